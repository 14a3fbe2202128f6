package token

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenString(t *testing.T) {
	for tok := Token(0); tok < maxToken; tok++ {
		if tok.String() == "" {
			t.Errorf("missing string representation of token %d", tok)
		}
	}
}

func TestGoString(t *testing.T) {
	require.Equal(t, "'+'", PLUS.GoString())
	require.Equal(t, "'...'", DOTDOTDOT.GoString())
	require.Equal(t, "and", AND.GoString())
	require.Equal(t, "identifier", IDENT.GoString())
}

func TestLookupKw(t *testing.T) {
	for tok := Token(0); tok < maxToken; tok++ {
		expect := tok.IsKeyword()
		val := LookupKw(tok.String())
		if expect {
			require.Equal(t, tok, val)
		} else {
			require.Equal(t, IDENT, val)
		}
	}

	// near-misses must not match
	for _, ident := range []string{"an", "ands", "classs", "cons", "continu",
		"defaults", "f", "fo", "funn", "lambd", "stati", "supers", "whil", "x"} {
		require.Equal(t, IDENT, LookupKw(ident), ident)
	}
}
