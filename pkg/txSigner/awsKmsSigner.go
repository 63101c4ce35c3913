package txSigner

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/Layr-Labs/txsubmitter-go/pkg/txBuilder"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)

	oidECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1   = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

type ecdsaSignature struct {
	R, S *big.Int
}

// AWSKMSSigner signs with an ECC_SECG_P256K1 key held in AWS KMS. The key never
// leaves KMS, so there is nothing to wipe locally.
//
// KMS signatures are not deterministic: signing the same transaction twice yields
// two valid signatures with different ids. Callers that need a stable id across
// retries must keep the SignedTransaction rather than re-sign.
type AWSKMSSigner struct {
	kmsClient kmsiface.KMSAPI
	keyID     string
	address   common.Address
	logger    *zap.Logger
}

var _ ITransactionSigner = (*AWSKMSSigner)(nil)

// NewAWSKMSSigner creates a new AWSKMSSigner with the specified KMS key ID and AWS region.
// This constructor establishes a connection to AWS KMS and derives the Ethereum address
// from the public key associated with the specified KMS key.
//
// Parameters:
//   - ctx: Context for the public key lookup
//   - keyID: The AWS KMS key ID or ARN for signing operations
//   - region: The AWS region where the KMS key is located
//   - logger: Logger for signing operations
//
// Returns:
//   - *AWSKMSSigner: A new AWS KMS signer instance
//   - error: An error if the AWS session cannot be created or the key is invalid
func NewAWSKMSSigner(ctx context.Context, keyID, region string, logger *zap.Logger) (*AWSKMSSigner, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return NewAWSKMSSignerWithClient(ctx, kms.New(sess), keyID, logger)
}

// NewAWSKMSSignerWithClient is NewAWSKMSSigner over an existing KMS client.
func NewAWSKMSSignerWithClient(ctx context.Context, client kmsiface.KMSAPI, keyID string, logger *zap.Logger) (*AWSKMSSigner, error) {
	address, err := addressFromKMSKey(ctx, client, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address from KMS key: %w", err)
	}
	return &AWSKMSSigner{
		kmsClient: client,
		keyID:     keyID,
		address:   address,
		logger:    logger,
	}, nil
}

func (a *AWSKMSSigner) Address() common.Address {
	return a.address
}

func (a *AWSKMSSigner) Sign(ctx context.Context, u *txBuilder.UnsignedTransaction) (*SignedTransaction, error) {
	if u.From != a.address {
		return nil, fmt.Errorf("%w: KMS key authorizes %s, transaction is from %s", ledger.ErrInvalidKey, a.address.Hex(), u.From.Hex())
	}

	signer := types.LatestSignerForChainID(u.ChainID)
	unsignedTx := u.Tx()
	hash := signer.Hash(unsignedTx)

	signature, err := a.signHash(ctx, hash.Bytes())
	if err != nil {
		return nil, err
	}

	tx, err := unsignedTx.WithSignature(signer, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to apply signature to transaction: %w", err)
	}

	signed := newSignedTransaction(u, tx)
	a.logger.Sugar().Debugw("Signed transaction with KMS",
		zap.String("keyId", a.keyID),
		zap.String("transactionId", signed.ID.Hex()),
	)
	return signed, nil
}

// signHash returns a 65-byte [R || S || V] signature with V in {0, 1} and S in
// the lower half of the curve order.
func (a *AWSKMSSigner) signHash(ctx context.Context, hash []byte) ([]byte, error) {
	result, err := a.kmsClient.SignWithContext(ctx, &kms.SignInput{
		KeyId:            aws.String(a.keyID),
		Message:          hash,
		MessageType:      aws.String(kms.MessageTypeDigest),
		SigningAlgorithm: aws.String(kms.SigningAlgorithmSpecEcdsaSha256),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: KMS signing failed: %v", ErrKeyUnavailable, err)
	}

	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(result.Signature, &sig); err != nil {
		return nil, fmt.Errorf("failed to parse KMS signature: %w", err)
	}
	if sig.S.Cmp(secp256k1HalfN) > 0 {
		sig.S = new(big.Int).Sub(secp256k1N, sig.S)
	}

	signature := make([]byte, 65)
	sig.R.FillBytes(signature[0:32])
	sig.S.FillBytes(signature[32:64])

	for v := byte(0); v < 2; v++ {
		signature[64] = v
		recovered, err := crypto.SigToPub(hash, signature)
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*recovered) == a.address {
			return signature, nil
		}
	}
	return nil, fmt.Errorf("%w: KMS signature does not recover to %s", ledger.ErrInvalidKey, a.address.Hex())
}

func addressFromKMSKey(ctx context.Context, client kmsiface.KMSAPI, keyID string) (common.Address, error) {
	result, err := client.GetPublicKeyWithContext(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(keyID),
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: failed to get public key from KMS: %v", ErrKeyUnavailable, err)
	}
	pub, err := parseKMSPublicKey(result.PublicKey)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// parseKMSPublicKey decodes the DER SubjectPublicKeyInfo KMS returns for
// secp256k1 keys. crypto/x509 does not know the curve, hence the manual parse.
func parseKMSPublicKey(der []byte) (*ecdsa.PublicKey, error) {
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key: %v", ledger.ErrInvalidKey, err)
	}
	if !spki.Algorithm.Algorithm.Equal(oidECPublicKey) {
		return nil, fmt.Errorf("%w: KMS key is not an EC key", ledger.ErrInvalidKey)
	}
	var curve asn1.ObjectIdentifier
	if len(spki.Algorithm.Parameters.FullBytes) > 0 {
		if _, err := asn1.Unmarshal(spki.Algorithm.Parameters.FullBytes, &curve); err == nil && !curve.Equal(oidSecp256k1) {
			return nil, fmt.Errorf("%w: KMS key curve %s is not secp256k1", ledger.ErrInvalidKey, curve)
		}
	}
	pub, err := crypto.UnmarshalPubkey(bytes.Clone(spki.PublicKey.Bytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key: %v", ledger.ErrInvalidKey, err)
	}
	return pub, nil
}
