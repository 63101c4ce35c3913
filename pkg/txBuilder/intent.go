package txBuilder

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// IntentKind distinguishes value transfers from contract calls.
type IntentKind int

const (
	Payment IntentKind = iota + 1
	ContractCall
)

func (k IntentKind) String() string {
	switch k {
	case Payment:
		return "payment"
	case ContractCall:
		return "contract_call"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Asset names the denomination of an amount. Amounts are always integer base units.
type Asset struct {
	Symbol   string
	Decimals uint8
}

// NativeAsset is the ledger's own currency.
var NativeAsset = Asset{Symbol: "ETH", Decimals: 18}

// TransactionIntent is what the caller wants done, independent of account state.
// Build it with NewPaymentIntent or NewContractCallIntent and treat it as immutable.
type TransactionIntent struct {
	Kind        IntentKind
	Destination string
	// Amount is the value transferred, in base units of Asset. Optional for calls.
	Amount *big.Int
	Asset  Asset
	// CallData is raw call data. Ignored when Method is set.
	CallData []byte
	// ABI, Method and Args describe call data to encode.
	ABI    string
	Method string
	Args   []interface{}
	// GasLimit overrides the default gas limit when non-zero.
	GasLimit uint64
	// Reference distinguishes otherwise identical intents. Submitting the same intent
	// with the same reference twice is a retry, not a second transaction.
	Reference string
}

// NewPaymentIntent creates a native value transfer.
func NewPaymentIntent(destination string, amount *big.Int, asset Asset, reference string) TransactionIntent {
	return TransactionIntent{
		Kind:        Payment,
		Destination: destination,
		Amount:      copyInt(amount),
		Asset:       asset,
		Reference:   reference,
	}
}

// NewContractCallIntent creates a call carrying pre-encoded call data and an optional value.
func NewContractCallIntent(destination string, callData []byte, value *big.Int, reference string) TransactionIntent {
	return TransactionIntent{
		Kind:        ContractCall,
		Destination: destination,
		Amount:      copyInt(value),
		Asset:       NativeAsset,
		CallData:    common.CopyBytes(callData),
		Reference:   reference,
	}
}

// NewABICallIntent creates a call whose data is encoded from an ABI method and arguments.
func NewABICallIntent(destination, abiJSON, method string, args []interface{}, value *big.Int, reference string) TransactionIntent {
	return TransactionIntent{
		Kind:        ContractCall,
		Destination: destination,
		Amount:      copyInt(value),
		Asset:       NativeAsset,
		ABI:         abiJSON,
		Method:      method,
		Args:        append([]interface{}(nil), args...),
		Reference:   reference,
	}
}

// PreparedIntent is a validated intent with its destination parsed and call data encoded.
type PreparedIntent struct {
	Intent   TransactionIntent
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// Prepare validates the intent without touching the network.
// Every failure matches ledger.ErrValidation.
func Prepare(intent TransactionIntent) (*PreparedIntent, error) {
	to, err := ParseAddress(intent.Destination)
	if err != nil {
		return nil, err
	}

	value := new(big.Int)
	if intent.Amount != nil {
		if intent.Amount.Sign() < 0 {
			return nil, ledger.ValidationErrorf("amount must not be negative: %s", intent.Amount)
		}
		value.Set(intent.Amount)
	}

	p := &PreparedIntent{
		Intent: intent,
		To:     to,
		Value:  value,
	}

	switch intent.Kind {
	case Payment:
		if intent.Asset != NativeAsset {
			return nil, ledger.ValidationErrorf("payments support only the native asset %s, got %s", NativeAsset.Symbol, intent.Asset.Symbol)
		}
		if value.Sign() == 0 {
			return nil, ledger.ValidationErrorf("payment amount must be positive")
		}
		if len(intent.CallData) > 0 || intent.Method != "" {
			return nil, ledger.ValidationErrorf("payments cannot carry call data")
		}
		p.GasLimit = PaymentGasLimit
	case ContractCall:
		data, err := encodeCallData(intent)
		if err != nil {
			return nil, err
		}
		if len(data) < 4 {
			return nil, ledger.ValidationErrorf("call data must contain at least a 4-byte selector")
		}
		p.Data = data
		p.GasLimit = addGasBuffer(DefaultContractCallGasLimit)
	default:
		return nil, ledger.ValidationErrorf("unsupported intent kind %s", intent.Kind)
	}

	if intent.GasLimit != 0 {
		if intent.GasLimit < PaymentGasLimit {
			return nil, ledger.ValidationErrorf("gas limit %d below intrinsic minimum %d", intent.GasLimit, PaymentGasLimit)
		}
		p.GasLimit = intent.GasLimit
		if intent.Kind == ContractCall {
			p.GasLimit = addGasBuffer(intent.GasLimit)
		}
	}
	return p, nil
}

// Key derives the idempotency key of this intent for account. Identical intents
// with the same reference map to the same key.
func (p *PreparedIntent) Key(account common.Address) common.Hash {
	var kind, gas [8]byte
	binary.BigEndian.PutUint64(kind[:], uint64(p.Intent.Kind))
	binary.BigEndian.PutUint64(gas[:], p.GasLimit)
	return crypto.Keccak256Hash(
		account.Bytes(),
		kind[:],
		p.To.Bytes(),
		common.LeftPadBytes(p.Value.Bytes(), 32),
		[]byte(p.Intent.Asset.Symbol),
		[]byte{p.Intent.Asset.Decimals},
		crypto.Keccak256(p.Data),
		gas[:],
		[]byte(p.Intent.Reference),
	)
}

func encodeCallData(intent TransactionIntent) ([]byte, error) {
	if intent.Method == "" {
		return common.CopyBytes(intent.CallData), nil
	}
	parsed, err := abi.JSON(strings.NewReader(intent.ABI))
	if err != nil {
		return nil, ledger.ValidationErrorf("parse abi: %v", err)
	}
	data, err := parsed.Pack(intent.Method, intent.Args...)
	if err != nil {
		return nil, ledger.ValidationErrorf("encode call to %s: %v", intent.Method, err)
	}
	return data, nil
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
