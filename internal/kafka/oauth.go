package kafka

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/oauth"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth providers for the OAUTHBEARER mechanism.
const (
	OAuthProviderAzure = "azure"
	OAuthProviderOIDC  = "oidc"
)

// OAuthConfig configures token acquisition for SASL/OAUTHBEARER.
//
// With the azure provider and no ClientSecretEnv the default Azure credential
// chain is used (workload identity, managed identity, CLI login).
type OAuthConfig struct {
	Provider        string `yaml:"provider"`
	TenantID        string `yaml:"tenantId,omitempty"`
	ClientID        string `yaml:"clientId"`
	ClientSecretEnv string `yaml:"clientSecretEnv,omitempty"`
	Scope           string `yaml:"scope"`
	// TokenURL is the token endpoint of an oidc provider.
	TokenURL string `yaml:"tokenUrl,omitempty"`
}

// Validate checks the OAuth configuration.
func (c *OAuthConfig) Validate() error {
	var errs []error
	switch c.Provider {
	case "":
		errs = append(errs, errors.New("oauth.provider is required"))
	case OAuthProviderAzure:
		if c.TenantID == "" {
			errs = append(errs, errors.New("oauth.tenantId is required for Azure"))
		}
	case OAuthProviderOIDC:
		if c.TokenURL == "" {
			errs = append(errs, errors.New("oauth.tokenUrl is required for oidc"))
		}
	default:
		errs = append(errs, fmt.Errorf("oauth.provider %q is not valid (must be azure or oidc)", c.Provider))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("oauth.clientId is required"))
	}
	if c.Scope == "" {
		errs = append(errs, errors.New("oauth.scope is required"))
	}
	return errors.Join(errs...)
}

// tokenFunc fetches a bearer token for one SASL handshake.
type tokenFunc func(ctx context.Context) (string, error)

func oauthMechanism(cfg *OAuthConfig) (sasl.Mechanism, error) {
	if cfg == nil {
		return nil, errors.New("oauth config required for OAUTHBEARER")
	}

	var fetch tokenFunc
	var err error
	switch cfg.Provider {
	case OAuthProviderAzure:
		fetch, err = azureToken(cfg)
	case OAuthProviderOIDC:
		fetch, err = oidcToken(cfg)
	default:
		return nil, fmt.Errorf("unsupported oauth provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return oauth.Oauth(func(ctx context.Context) (oauth.Auth, error) {
		token, err := fetch(ctx)
		if err != nil {
			return oauth.Auth{}, err
		}
		return oauth.Auth{Token: token}, nil
	}), nil
}

func clientSecret(envVar string) (string, error) {
	secret := os.Getenv(envVar)
	if secret == "" {
		return "", fmt.Errorf("environment variable %s is not set or empty", envVar)
	}
	return secret, nil
}

func azureToken(cfg *OAuthConfig) (tokenFunc, error) {
	var cred azcore.TokenCredential
	if cfg.ClientSecretEnv != "" {
		secret, err := clientSecret(cfg.ClientSecretEnv)
		if err != nil {
			return nil, err
		}
		c, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, secret, nil)
		if err != nil {
			return nil, fmt.Errorf("create azure credential: %w", err)
		}
		cred = c
	} else {
		c, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			TenantID: cfg.TenantID,
		})
		if err != nil {
			return nil, fmt.Errorf("create azure credential: %w", err)
		}
		cred = c
	}

	scope := cfg.Scope
	return func(ctx context.Context) (string, error) {
		token, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
		if err != nil {
			return "", fmt.Errorf("acquire azure token: %w", err)
		}
		return token.Token, nil
	}, nil
}

func oidcToken(cfg *OAuthConfig) (tokenFunc, error) {
	var secret string
	if cfg.ClientSecretEnv != "" {
		s, err := clientSecret(cfg.ClientSecretEnv)
		if err != nil {
			return nil, err
		}
		secret = s
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{cfg.Scope},
	}
	// The token source caches and refreshes tokens across handshakes.
	src := cc.TokenSource(context.Background())
	return func(context.Context) (string, error) {
		token, err := src.Token()
		if err != nil {
			return "", fmt.Errorf("acquire OIDC token: %w", err)
		}
		return token.AccessToken, nil
	}, nil
}
