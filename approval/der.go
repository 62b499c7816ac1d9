package approval

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMalformedDER     = errors.New("malformed DER signature")
	ErrRecoveryNoMatch  = errors.New("neither recovery id recovers the signer address")
	ErrSignatureTooLong = errors.New("DER integer longer than 32 bytes after trimming")

	// curve order and its half, for low-S normalization
	curveN    = btcec.S256().Params().N
	halfCurve = new(big.Int).Rsh(curveN, 1)
)

// parseDER extracts (r, s) from an ASN.1 SEQUENCE of two INTEGERs.
func parseDER(der []byte) (r, s *big.Int, err error) {
	if len(der) < 8 || der[0] != 0x30 {
		return nil, nil, fmt.Errorf("%w: missing SEQUENCE", ErrMalformedDER)
	}

	// sequence length; signatures are short enough for at most one extra
	// length byte
	offset := 2
	seqLen := int(der[1])
	if der[1] == 0x81 {
		seqLen = int(der[2])
		offset = 3
	}
	if offset+seqLen != len(der) {
		return nil, nil, fmt.Errorf("%w: sequence length %d does not match input", ErrMalformedDER, seqLen)
	}

	r, offset, err = parseDERInt(der, offset)
	if err != nil {
		return nil, nil, err
	}
	s, offset, err = parseDERInt(der, offset)
	if err != nil {
		return nil, nil, err
	}
	if offset != len(der) {
		return nil, nil, fmt.Errorf("%w: trailing bytes after s", ErrMalformedDER)
	}
	return r, s, nil
}

func parseDERInt(der []byte, offset int) (*big.Int, int, error) {
	if offset+2 > len(der) || der[offset] != 0x02 {
		return nil, 0, fmt.Errorf("%w: missing INTEGER at offset %d", ErrMalformedDER, offset)
	}
	length := int(der[offset+1])
	offset += 2
	if length == 0 || offset+length > len(der) {
		return nil, 0, fmt.Errorf("%w: bad INTEGER length %d", ErrMalformedDER, length)
	}
	v := new(big.Int).SetBytes(der[offset : offset+length])
	return v, offset + length, nil
}

// compactFromDER transcodes a DER signature over digest into the 65-byte
// r‖s‖v form the contract verifies. s is normalized to the low half of the
// curve order first (the key service does not guarantee low-S). The recovery
// byte is resolved by actually recovering the public key for both candidates
// and comparing against the expected signer; a shortcut that defaults v
// without verifying would accept signatures the contract will reject.
func compactFromDER(der []byte, digest [32]byte, signer ethcommon.Address) ([]byte, error) {
	r, s, err := parseDER(der)
	if err != nil {
		return nil, err
	}

	if s.Cmp(halfCurve) > 0 {
		s = new(big.Int).Sub(curveN, s)
	}

	rb, sb := r.Bytes(), s.Bytes()
	if len(rb) > 32 || len(sb) > 32 {
		return nil, ErrSignatureTooLong
	}

	sig := make([]byte, 65)
	copy(sig[32-len(rb):32], rb)
	copy(sig[64-len(sb):64], sb)

	for _, v := range []byte{0, 1} {
		sig[64] = v
		pub, err := crypto.SigToPub(digest[:], sig)
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*pub) == signer {
			// contracts expect the legacy 27/28 encoding
			sig[64] = v + 27
			return sig, nil
		}
	}
	return nil, ErrRecoveryNoMatch
}
