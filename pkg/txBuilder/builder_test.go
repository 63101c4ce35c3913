package txBuilder

import (
	"math/big"
	"testing"
	"time"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	validDestination = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	erc20ABI         = `[{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]}]`
)

var (
	testFrom   = common.HexToAddress("0x1234567890123456789012345678901234567890")
	fixedClock = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
)

func setupTestBuilder(t *testing.T) *Builder {
	return NewBuilder(big.NewInt(1337), 1.0, nil, zap.NewNop()).WithClock(fixedClock)
}

func richAccount(seq uint64) *ledger.AccountState {
	return &ledger.AccountState{
		Address:  testFrom,
		Sequence: seq,
		Balance:  new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil),
	}
}

func testFee() *ledger.FeeEstimate {
	return &ledger.FeeEstimate{BaseFee: big.NewInt(2_000_000_000), TipCap: big.NewInt(1_000_000_000)}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"checksummed", validDestination, true},
		{"lower case", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", true},
		{"upper case", "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED", true},
		{"bad checksum", "0x5aaeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
		{"missing prefix", "5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
		{"too short", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeA", false},
		{"ipfs path", "ipfs://QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG", false},
		{"zero address", "0x0000000000000000000000000000000000000000", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.input)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, common.HexToAddress(tt.input), addr)
			} else {
				assert.ErrorIs(t, err, ledger.ErrValidation)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("1.5", 18)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", v.String())

	v, err = ParseAmount("10", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v.Int64())

	v, err = ParseAmount(".25", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(25), v.Int64())

	for _, bad := range []string{"", "-1", "1.", "1.234", "abc", "1e18", "1.2.3"} {
		_, err := ParseAmount(bad, 2)
		assert.ErrorIs(t, err, ledger.ErrValidation, bad)
	}

	assert.Equal(t, "1.5", FormatAmount(big.NewInt(150), 2))
	assert.Equal(t, "0.01", FormatAmount(big.NewInt(1), 2))
	assert.Equal(t, "7", FormatAmount(big.NewInt(7), 0))
}

func TestPrepare_Validation(t *testing.T) {
	tests := []struct {
		name   string
		intent TransactionIntent
	}{
		{"malformed destination", NewPaymentIntent("0xnot-an-address", big.NewInt(10), NativeAsset, "")},
		{"zero amount", NewPaymentIntent(validDestination, big.NewInt(0), NativeAsset, "")},
		{"nil amount", NewPaymentIntent(validDestination, nil, NativeAsset, "")},
		{"negative amount", NewPaymentIntent(validDestination, big.NewInt(-1), NativeAsset, "")},
		{"foreign asset", NewPaymentIntent(validDestination, big.NewInt(10), Asset{Symbol: "XLM", Decimals: 7}, "")},
		{"short call data", NewContractCallIntent(validDestination, []byte{0x01}, nil, "")},
		{"unknown method", NewABICallIntent(validDestination, erc20ABI, "mint", nil, nil, "")},
		{"bad abi", NewABICallIntent(validDestination, "{", "transfer", nil, nil, "")},
		{"wrong arg count", NewABICallIntent(validDestination, erc20ABI, "withdraw", nil, nil, "")},
		{"no kind", TransactionIntent{Destination: validDestination, Amount: big.NewInt(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Prepare(tt.intent)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestPrepare_GasLimits(t *testing.T) {
	p, err := Prepare(NewPaymentIntent(validDestination, big.NewInt(10), NativeAsset, ""))
	require.NoError(t, err)
	assert.Equal(t, PaymentGasLimit, p.GasLimit)

	p, err = Prepare(NewABICallIntent(validDestination, erc20ABI, "deposit", nil, big.NewInt(5), ""))
	require.NoError(t, err)
	assert.Equal(t, uint64(300000), p.GasLimit)
	assert.Equal(t, int64(5), p.Value.Int64())

	intent := NewContractCallIntent(validDestination, hexutil.MustDecode("0xd0e30db0"), nil, "")
	intent.GasLimit = 100000
	p, err = Prepare(intent)
	require.NoError(t, err)
	assert.Equal(t, uint64(120000), p.GasLimit)
}

func TestPrepare_ABIEncoding(t *testing.T) {
	args, err := ConvertArgs(erc20ABI, "transfer", []string{validDestination, "1000"})
	require.NoError(t, err)

	p, err := Prepare(NewABICallIntent(validDestination, erc20ABI, "transfer", args, nil, ""))
	require.NoError(t, err)
	require.Len(t, p.Data, 4+32+32)
	assert.Equal(t, "0xa9059cbb", hexutil.Encode(p.Data[:4]))
	assert.Equal(t, int64(1000), new(big.Int).SetBytes(p.Data[36:]).Int64())

	_, err = ConvertArgs(erc20ABI, "transfer", []string{validDestination, "-1"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = ConvertArgs(erc20ABI, "transfer", []string{"0x1234", "1"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestIntentKey(t *testing.T) {
	a, err := Prepare(NewPaymentIntent(validDestination, big.NewInt(10), NativeAsset, "invoice-1"))
	require.NoError(t, err)
	b, err := Prepare(NewPaymentIntent(validDestination, big.NewInt(10), NativeAsset, "invoice-1"))
	require.NoError(t, err)
	c, err := Prepare(NewPaymentIntent(validDestination, big.NewInt(10), NativeAsset, "invoice-2"))
	require.NoError(t, err)

	assert.Equal(t, a.Key(testFrom), b.Key(testFrom))
	assert.NotEqual(t, a.Key(testFrom), c.Key(testFrom))
	assert.NotEqual(t, a.Key(testFrom), a.Key(common.HexToAddress(validDestination)))
}

func TestBuild_UsesAccountSequenceAndFeePolicy(t *testing.T) {
	b := setupTestBuilder(t)
	p, err := Prepare(NewPaymentIntent(validDestination, big.NewInt(10), NativeAsset, ""))
	require.NoError(t, err)

	u, err := b.Build(p, richAccount(5), testFee(), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, uint64(5), u.Sequence)
	assert.Equal(t, testFrom, u.From)
	assert.Equal(t, int64(1_000_000_000), u.GasTipCap.Int64())
	// 2 gwei * 3/2 + 1 gwei
	assert.Equal(t, int64(4_000_000_000), u.GasFeeCap.Int64())
	assert.Equal(t, fixedClock().Add(time.Minute), u.ExpiresAt)
	assert.False(t, u.Expired(fixedClock()))
	assert.True(t, u.Expired(fixedClock().Add(time.Minute)))

	tx := u.Tx()
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, common.HexToAddress(validDestination), *tx.To())
	assert.Equal(t, int64(1337), tx.ChainId().Int64())
}

func TestBuild_MinTipAndMultiplier(t *testing.T) {
	b := NewBuilder(big.NewInt(1337), 2.0, big.NewInt(3_000_000_000), zap.NewNop()).WithClock(fixedClock)
	p, err := Prepare(NewPaymentIntent(validDestination, big.NewInt(10), NativeAsset, ""))
	require.NoError(t, err)

	u, err := b.Build(p, richAccount(0), testFee(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000_000), u.GasTipCap.Int64())
	// 2 gwei * 3/2 * 2 + 3 gwei
	assert.Equal(t, int64(9_000_000_000), u.GasFeeCap.Int64())
	assert.True(t, u.GasFeeCap.Cmp(testFee().BaseFee) >= 0)
}

func TestBuild_Deterministic(t *testing.T) {
	b := setupTestBuilder(t)
	p, err := Prepare(NewPaymentIntent(validDestination, big.NewInt(10), NativeAsset, ""))
	require.NoError(t, err)

	u1, err := b.Build(p, richAccount(7), testFee(), time.Minute)
	require.NoError(t, err)
	u2, err := b.Build(p, richAccount(7), testFee(), time.Minute)
	require.NoError(t, err)
	assert.True(t, u1.SameAs(u2))

	u3, err := b.Build(p, richAccount(8), testFee(), time.Minute)
	require.NoError(t, err)
	assert.False(t, u1.SameAs(u3))
}

func TestBuild_InsufficientBalance(t *testing.T) {
	b := setupTestBuilder(t)
	p, err := Prepare(NewPaymentIntent(validDestination, big.NewInt(10), NativeAsset, ""))
	require.NoError(t, err)

	poor := richAccount(0)
	poor.Balance = big.NewInt(1000)
	_, err = b.Build(p, poor, testFee(), time.Minute)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = b.Build(p, richAccount(0), testFee(), 0)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestConvertArgs_IntegerBounds(t *testing.T) {
	const intABI = `[{"type":"function","name":"set","stateMutability":"nonpayable","inputs":[{"name":"a","type":"int8"},{"name":"b","type":"int256"},{"name":"c","type":"uint8"}],"outputs":[]}]`
	minInt256 := new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	maxInt256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "minimums", args: []string{"-128", minInt256.String(), "0"}},
		{name: "maximums", args: []string{"127", maxInt256.String(), "255"}},
		{name: "int8 below minimum", args: []string{"-129", "0", "0"}, wantErr: true},
		{name: "int8 above maximum", args: []string{"128", "0", "0"}, wantErr: true},
		{name: "int256 below minimum", args: []string{"0", new(big.Int).Sub(minInt256, big.NewInt(1)).String(), "0"}, wantErr: true},
		{name: "int256 above maximum", args: []string{"0", new(big.Int).Add(maxInt256, big.NewInt(1)).String(), "0"}, wantErr: true},
		{name: "uint8 above maximum", args: []string{"0", "0", "256"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := ConvertArgs(intABI, "set", tt.args)
			if tt.wantErr {
				assert.ErrorIs(t, err, ledger.ErrValidation)
				return
			}
			require.NoError(t, err)
			require.Len(t, args, 3)
			assert.Equal(t, tt.args[0], big.NewInt(int64(args[0].(int8))).String())
			assert.Equal(t, tt.args[1], args[1].(*big.Int).String())
		})
	}
}
