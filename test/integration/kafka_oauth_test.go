//go:build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/lineflow/internal/kafka"
)

// TestKafkaOAuth_Azure connects to an Event Hubs style cluster with an Azure
// client-secret token. It needs KAFKA_OAUTH_BROKERS, AZURE_TENANT_ID,
// AZURE_CLIENT_ID, AZURE_CLIENT_SECRET_ENV and KAFKA_OAUTH_SCOPE.
func TestKafkaOAuth_Azure(t *testing.T) {
	env := map[string]string{}
	for _, k := range []string{"KAFKA_OAUTH_BROKERS", "AZURE_TENANT_ID", "AZURE_CLIENT_ID", "AZURE_CLIENT_SECRET_ENV", "KAFKA_OAUTH_SCOPE"} {
		env[k] = os.Getenv(k)
		if env[k] == "" {
			t.Skipf("%s not set", k)
		}
	}

	cluster := &kafka.ClusterConfig{
		Name:    "oauth",
		Brokers: []string{env["KAFKA_OAUTH_BROKERS"]},
		Auth: kafka.AuthConfig{
			Mechanism: "OAUTHBEARER",
			OAuth: &kafka.OAuthConfig{
				Provider:        kafka.OAuthProviderAzure,
				TenantID:        env["AZURE_TENANT_ID"],
				ClientID:        env["AZURE_CLIENT_ID"],
				ClientSecretEnv: env["AZURE_CLIENT_SECRET_ENV"],
				Scope:           env["KAFKA_OAUTH_SCOPE"],
			},
		},
		TLS: kafka.TLSConfig{Enabled: true},
	}
	if err := cluster.Validate(); err != nil {
		t.Fatalf("cluster config: %v", err)
	}

	opts, err := kafka.ClientOptions(cluster)
	if err != nil {
		t.Fatalf("client options: %v", err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		t.Fatalf("kafka client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	topics, err := kadm.NewClient(client).ListTopics(ctx)
	if err != nil {
		t.Fatalf("list topics: %v", err)
	}
	t.Logf("authenticated, %d topics visible", len(topics))
}
