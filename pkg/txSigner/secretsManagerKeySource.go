package txSigner

import (
	"context"
	"fmt"
	"strings"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// SecretsManagerKeySourceConfig holds the configuration for the AWS Secrets Manager key source.
type SecretsManagerKeySourceConfig struct {
	// Region specifies the AWS region where the secret is stored
	Region string
	// SecretName is the name of the secret holding the key
	SecretName string
	// KeystorePassword decrypts the secret when it is a JSON keystore
	KeystorePassword string
}

// SecretsManagerKeySource fetches the private key from AWS Secrets Manager on every
// acquisition, avoiding in-memory key storage between signatures. The secret may
// be a hex private key or an encrypted JSON keystore.
type SecretsManagerKeySource struct {
	client secretsmanageriface.SecretsManagerAPI
	config *SecretsManagerKeySourceConfig
	logger *zap.Logger
}

// NewSecretsManagerKeySource creates a key source backed by a new AWS session.
func NewSecretsManagerKeySource(config *SecretsManagerKeySourceConfig, logger *zap.Logger) (*SecretsManagerKeySource, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(config.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return NewSecretsManagerKeySourceWithClient(secretsmanager.New(sess), config, logger), nil
}

// NewSecretsManagerKeySourceWithClient creates a key source over an existing client.
func NewSecretsManagerKeySourceWithClient(client secretsmanageriface.SecretsManagerAPI, config *SecretsManagerKeySourceConfig, logger *zap.Logger) *SecretsManagerKeySource {
	return &SecretsManagerKeySource{
		client: client,
		config: config,
		logger: logger,
	}
}

func (s *SecretsManagerKeySource) Acquire(ctx context.Context) (*SecretKey, error) {
	result, err := s.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(s.config.SecretName),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		s.logger.Sugar().Warnw("Failed to fetch signing key",
			zap.String("secretName", s.config.SecretName),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: failed to get secret: %v", ErrKeyUnavailable, err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("%w: secret %s has no string value", ledger.ErrInvalidKey, s.config.SecretName)
	}

	secret := strings.TrimSpace(*result.SecretString)
	if !strings.HasPrefix(secret, "{") {
		key, err := decodeHexKey(secret)
		if err != nil {
			return nil, err
		}
		defer clear(key)
		return NewSecretKey(key), nil
	}

	ks, err := keystore.DecryptKey([]byte(secret), s.config.KeystorePassword)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt keystore: %v", ledger.ErrInvalidKey, err)
	}
	defer wipePrivateKey(ks.PrivateKey)
	key := crypto.FromECDSA(ks.PrivateKey)
	defer clear(key)
	return NewSecretKey(key), nil
}
