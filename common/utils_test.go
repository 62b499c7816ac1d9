package common

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHexRoundTrip(t *testing.T) {
	b := RandBytes32()
	s := ByteSliceToPureHexStr(b[:])
	assert.Len(t, s, 64)
	assert.Equal(t, b, HexStrToBytes32(s))
	assert.Equal(t, b, HexStrToBytes32("0x"+s))
}

func TestBigIntConversion(t *testing.T) {
	v := big.NewInt(5920)
	assert.Equal(t, "0x1720", BigIntToHexStr(v))
	assert.Equal(t, v, HexStrToBigInt("0x1720"))
	assert.Equal(t, v, HexStrToBigInt("1720"))
	assert.Nil(t, HexStrToBigInt("not-hex"))

	b32 := BigInt2Bytes32(v)
	assert.Equal(t, v.Bytes(), b32[30:])
}

func TestDecStrToBigInt(t *testing.T) {
	v, ok := DecStrToBigInt("1000000000000000000")
	assert.True(t, ok)
	assert.Equal(t, "1000000000000000000", v.String())

	_, ok = DecStrToBigInt("1.5")
	assert.False(t, ok)
}
