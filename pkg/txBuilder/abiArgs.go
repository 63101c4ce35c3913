package txBuilder

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/Layr-Labs/txsubmitter-go/pkg/util"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ConvertArgs turns string arguments, as typed on a command line, into the Go
// values the ABI encoder expects for method's inputs.
func ConvertArgs(abiJSON, method string, raw []string) ([]interface{}, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, ledger.ValidationErrorf("parse abi: %v", err)
	}
	m, ok := parsed.Methods[method]
	if !ok {
		return nil, ledger.ValidationErrorf("method %q not found in abi", method)
	}
	if len(m.Inputs) != len(raw) {
		return nil, ledger.ValidationErrorf("method %s takes %d arguments, got %d", method, len(m.Inputs), len(raw))
	}

	return util.MapErr(raw, func(s string, i int) (interface{}, error) {
		v, err := convertArg(m.Inputs[i].Type, s)
		if err != nil {
			return nil, ledger.ValidationErrorf("argument %d (%s): %v", i, m.Inputs[i].Type.String(), err)
		}
		return v, nil
	})
}

func convertArg(t abi.Type, s string) (interface{}, error) {
	switch t.T {
	case abi.AddressTy:
		return ParseAddress(s)
	case abi.BoolTy:
		return strconv.ParseBool(s)
	case abi.StringTy:
		return s, nil
	case abi.BytesTy:
		return hexutil.Decode(s)
	case abi.FixedBytesTy:
		if t.Size != 32 {
			return nil, fmt.Errorf("unsupported fixed bytes size %d", t.Size)
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("expected 32 bytes, got %d", len(b))
		}
		return common.BytesToHash(b), nil
	case abi.UintTy, abi.IntTy:
		return convertInt(t, s)
	default:
		return nil, fmt.Errorf("unsupported type %s", t.String())
	}
}

func convertInt(t abi.Type, s string) (interface{}, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("%q is not an integer", s)
	}
	if t.T == abi.UintTy && v.Sign() < 0 {
		return nil, fmt.Errorf("%q is negative", s)
	}
	if t.T == abi.UintTy && v.BitLen() > t.Size {
		return nil, fmt.Errorf("%q overflows %s", s, t.String())
	}
	if t.T == abi.IntTy {
		// Two's complement range: [-2^(n-1), 2^(n-1)-1].
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		if v.Cmp(limit) >= 0 || v.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%q overflows %s", s, t.String())
		}
	}
	if t.T == abi.UintTy {
		switch t.Size {
		case 8:
			return uint8(v.Uint64()), nil
		case 16:
			return uint16(v.Uint64()), nil
		case 32:
			return uint32(v.Uint64()), nil
		case 64:
			return v.Uint64(), nil
		}
		return v, nil
	}
	switch t.Size {
	case 8:
		return int8(v.Int64()), nil
	case 16:
		return int16(v.Int64()), nil
	case 32:
		return int32(v.Int64()), nil
	case 64:
		return v.Int64(), nil
	}
	return v, nil
}
