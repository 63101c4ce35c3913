package txSigner

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/Layr-Labs/txsubmitter-go/pkg/txBuilder"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var chainID = big.NewInt(1337)

func testKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(testKeyHex[2:])
	require.NoError(t, err)
	return key
}

func buildUnsigned(t *testing.T, from common.Address, seq uint64) *txBuilder.UnsignedTransaction {
	p, err := txBuilder.Prepare(txBuilder.NewPaymentIntent("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", big.NewInt(10), txBuilder.NativeAsset, ""))
	require.NoError(t, err)
	b := txBuilder.NewBuilder(chainID, 1.0, nil, zap.NewNop())
	u, err := b.Build(p, &ledger.AccountState{
		Address:  from,
		Sequence: seq,
		Balance:  new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil),
	}, &ledger.FeeEstimate{BaseFee: big.NewInt(1e9), TipCap: big.NewInt(1e9)}, time.Minute)
	require.NoError(t, err)
	return u
}

// recordingKeySource hands out keys and remembers them so tests can check they were wiped.
type recordingKeySource struct {
	inner KeySource
	mu    sync.Mutex
	keys  []*SecretKey
}

func (r *recordingKeySource) Acquire(ctx context.Context) (*SecretKey, error) {
	k, err := r.inner.Acquire(ctx)
	if err == nil {
		r.mu.Lock()
		r.keys = append(r.keys, k)
		r.mu.Unlock()
	}
	return k, err
}

func TestPrivateKeySigner_Deterministic(t *testing.T) {
	ks, err := NewStaticKeySource(testKeyHex)
	require.NoError(t, err)
	signer, err := NewPrivateKeySigner(context.Background(), ks, zap.NewNop())
	require.NoError(t, err)

	expected := crypto.PubkeyToAddress(testKey(t).PublicKey)
	assert.Equal(t, expected, signer.Address())

	u := buildUnsigned(t, signer.Address(), 5)
	s1, err := signer.Sign(context.Background(), u)
	require.NoError(t, err)
	s2, err := signer.Sign(context.Background(), u)
	require.NoError(t, err)

	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, s1.Signature, s2.Signature)
	assert.Len(t, s1.Signature, 65)
	assert.Equal(t, s1.Tx.Hash(), s1.ID)

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), s1.Tx)
	require.NoError(t, err)
	assert.Equal(t, expected, sender)

	other, err := signer.Sign(context.Background(), buildUnsigned(t, signer.Address(), 6))
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, other.ID)
}

func TestPrivateKeySigner_ReleasesKeyOnEveryPath(t *testing.T) {
	static, err := NewStaticKeySource(testKeyHex)
	require.NoError(t, err)
	ks := &recordingKeySource{inner: static}
	signer, err := NewPrivateKeySigner(context.Background(), ks, zap.NewNop())
	require.NoError(t, err)

	_, err = signer.Sign(context.Background(), buildUnsigned(t, signer.Address(), 0))
	require.NoError(t, err)

	_, err = signer.Sign(context.Background(), buildUnsigned(t, common.HexToAddress("0x1234567890123456789012345678901234567890"), 0))
	assert.ErrorIs(t, err, ledger.ErrInvalidKey)

	require.Len(t, ks.keys, 3)
	for _, k := range ks.keys {
		assert.Nil(t, k.Bytes())
		assert.Equal(t, make([]byte, 32), k.buf)
	}
}

func TestKeySources_InvalidKey(t *testing.T) {
	_, err := NewStaticKeySource("0x1234")
	assert.ErrorIs(t, err, ledger.ErrInvalidKey)
	_, err = NewStaticKeySource("not-hex")
	assert.ErrorIs(t, err, ledger.ErrInvalidKey)

	t.Setenv("TXSIGNER_TEST_KEY", "")
	env := &EnvKeySource{Name: "TXSIGNER_TEST_KEY"}
	_, err = env.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	t.Setenv("TXSIGNER_TEST_KEY", testKeyHex)
	signer, err := NewPrivateKeySigner(context.Background(), env, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(testKey(t).PublicKey), signer.Address())

	static, err := NewStaticKeySource(testKeyHex)
	require.NoError(t, err)
	static.Close()
	_, err = static.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

type fakeSecretsManager struct {
	secretsmanageriface.SecretsManagerAPI
	secret string
	err    error
	calls  int
}

func (f *fakeSecretsManager) GetSecretValueWithContext(ctx aws.Context, input *secretsmanager.GetSecretValueInput, opts ...request.Option) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.secret)}, nil
}

func TestSecretsManagerKeySource(t *testing.T) {
	cfg := &SecretsManagerKeySourceConfig{Region: "us-east-1", SecretName: "signer", KeystorePassword: "hunter2"}

	t.Run("hex secret", func(t *testing.T) {
		sm := &fakeSecretsManager{secret: testKeyHex}
		source := NewSecretsManagerKeySourceWithClient(sm, cfg, zap.NewNop())
		signer, err := NewPrivateKeySigner(context.Background(), source, zap.NewNop())
		require.NoError(t, err)
		_, err = signer.Sign(context.Background(), buildUnsigned(t, signer.Address(), 1))
		require.NoError(t, err)
		assert.Equal(t, 2, sm.calls)
	})

	t.Run("keystore secret", func(t *testing.T) {
		key := &keystore.Key{
			Id:         uuid.New(),
			Address:    crypto.PubkeyToAddress(testKey(t).PublicKey),
			PrivateKey: testKey(t),
		}
		blob, err := keystore.EncryptKey(key, "hunter2", keystore.LightScryptN, keystore.LightScryptP)
		require.NoError(t, err)

		source := NewSecretsManagerKeySourceWithClient(&fakeSecretsManager{secret: string(blob)}, cfg, zap.NewNop())
		signer, err := NewPrivateKeySigner(context.Background(), source, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, key.Address, signer.Address())

		wrong := *cfg
		wrong.KeystorePassword = "nope"
		source = NewSecretsManagerKeySourceWithClient(&fakeSecretsManager{secret: string(blob)}, &wrong, zap.NewNop())
		_, err = source.Acquire(context.Background())
		assert.ErrorIs(t, err, ledger.ErrInvalidKey)
	})

	t.Run("unreachable", func(t *testing.T) {
		source := NewSecretsManagerKeySourceWithClient(&fakeSecretsManager{err: errors.New("dial tcp: i/o timeout")}, cfg, zap.NewNop())
		_, err := source.Acquire(context.Background())
		assert.ErrorIs(t, err, ErrKeyUnavailable)
		assert.NotErrorIs(t, err, ledger.ErrInvalidKey)
	})
}

// fakeKMS signs with a local key and returns DER like KMS does. When highS is
// set it returns the malleable high-s form of every signature.
type fakeKMS struct {
	kmsiface.KMSAPI
	key   *ecdsa.PrivateKey
	highS bool
}

func (f *fakeKMS) GetPublicKeyWithContext(ctx aws.Context, input *kms.GetPublicKeyInput, opts ...request.Option) (*kms.GetPublicKeyOutput, error) {
	params, err := asn1.Marshal(oidSecp256k1)
	if err != nil {
		return nil, err
	}
	pub := crypto.FromECDSAPub(&f.key.PublicKey)
	der, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oidECPublicKey, Parameters: asn1.RawValue{FullBytes: params}},
		PublicKey: asn1.BitString{Bytes: pub, BitLength: len(pub) * 8},
	})
	if err != nil {
		return nil, err
	}
	return &kms.GetPublicKeyOutput{KeyId: input.KeyId, PublicKey: der}, nil
}

func (f *fakeKMS) SignWithContext(ctx aws.Context, input *kms.SignInput, opts ...request.Option) (*kms.SignOutput, error) {
	sig, err := crypto.Sign(input.Message, f.key)
	if err != nil {
		return nil, err
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if f.highS {
		s.Sub(secp256k1N, s)
	}
	der, err := asn1.Marshal(ecdsaSignature{R: r, S: s})
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{KeyId: input.KeyId, Signature: der}, nil
}

func TestAWSKMSSigner(t *testing.T) {
	for _, highS := range []bool{false, true} {
		client := &fakeKMS{key: testKey(t), highS: highS}
		signer, err := NewAWSKMSSignerWithClient(context.Background(), client, "alias/test", zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(testKey(t).PublicKey), signer.Address())

		signed, err := signer.Sign(context.Background(), buildUnsigned(t, signer.Address(), 3))
		require.NoError(t, err)
		assert.LessOrEqual(t, signed.Signature[64], byte(1), hexutil.Encode(signed.Signature))

		sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed.Tx)
		require.NoError(t, err)
		assert.Equal(t, signer.Address(), sender)

		_, err = signer.Sign(context.Background(), buildUnsigned(t, common.HexToAddress("0x1234567890123456789012345678901234567890"), 3))
		assert.ErrorIs(t, err, ledger.ErrInvalidKey)
	}
}

func TestDecodeTransaction(t *testing.T) {
	ks, err := NewStaticKeySource(testKeyHex)
	require.NoError(t, err)
	signer, err := NewPrivateKeySigner(context.Background(), ks, zap.NewNop())
	require.NoError(t, err)
	signed, err := signer.Sign(context.Background(), buildUnsigned(t, signer.Address(), 9))
	require.NoError(t, err)

	raw, err := signed.RawBytes()
	require.NoError(t, err)
	tx, err := DecodeTransaction(raw)
	require.NoError(t, err)
	assert.Equal(t, signed.ID, tx.Hash())

	_, err = DecodeTransaction([]byte{0x02, 0x01})
	assert.Error(t, err)
}
