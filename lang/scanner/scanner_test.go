package scanner

import (
	"testing"

	"github.com/mna/lotus/lang/token"
	"github.com/stretchr/testify/require"
)

func scanAll(t *testing.T, src string) []Tok {
	t.Helper()
	var s Scanner
	s.Init([]byte(src))
	var toks []Tok
	for {
		tok := s.Scan()
		toks = append(toks, tok)
		if tok.Type == token.EOF {
			return toks
		}
	}
}

func TestScanPunctuation(t *testing.T) {
	toks := scanAll(t, "( ) { } [ ] , . - + ; / * ? : ! != = == > >= < <= ...")
	want := []token.Token{
		token.LPAREN, token.RPAREN, token.LBRACE, token.RBRACE,
		token.LBRACK, token.RBRACK, token.COMMA, token.DOT, token.MINUS,
		token.PLUS, token.SEMI, token.SLASH, token.STAR, token.QMARK,
		token.COLON, token.BANG, token.BANGEQ, token.EQ, token.EQEQ,
		token.GT, token.GE, token.LT, token.LE, token.DOTDOTDOT, token.EOF,
	}
	require.Len(t, toks, len(want))
	for i, tok := range toks {
		require.Equal(t, want[i], tok.Type, "token %d", i)
	}
}

func TestScanKeywordsAndIdents(t *testing.T) {
	toks := scanAll(t, "var x = while1 fun lambda superb super")
	want := []struct {
		typ token.Token
		lit string
	}{
		{token.VAR, "var"},
		{token.IDENT, "x"},
		{token.EQ, "="},
		{token.IDENT, "while1"},
		{token.FUN, "fun"},
		{token.LAMBDA, "lambda"},
		{token.IDENT, "superb"},
		{token.SUPER, "super"},
		{token.EOF, ""},
	}
	require.Len(t, toks, len(want))
	for i, tok := range toks {
		require.Equal(t, want[i].typ, tok.Type, "token %d", i)
		require.Equal(t, want[i].lit, tok.Lit, "token %d", i)
	}
}

func TestScanNumbers(t *testing.T) {
	toks := scanAll(t, "0 123 1.5 12.  .5")
	want := []struct {
		typ token.Token
		lit string
	}{
		{token.NUMBER, "0"},
		{token.NUMBER, "123"},
		{token.NUMBER, "1.5"},
		{token.NUMBER, "12"},
		{token.DOT, "."},
		{token.DOT, "."},
		{token.NUMBER, "5"},
		{token.EOF, ""},
	}
	require.Len(t, toks, len(want))
	for i, tok := range toks {
		require.Equal(t, want[i].typ, tok.Type, "token %d", i)
		require.Equal(t, want[i].lit, tok.Lit, "token %d", i)
	}
}

func TestScanStrings(t *testing.T) {
	toks := scanAll(t, `"hello" "multi
line" "with \ backslash"`)
	require.Equal(t, token.STRING, toks[0].Type)
	require.Equal(t, `"hello"`, toks[0].Lit)
	require.Equal(t, 1, toks[0].Line)
	require.Equal(t, token.STRING, toks[1].Type)
	require.Equal(t, "\"multi\nline\"", toks[1].Lit)
	require.Equal(t, token.STRING, toks[2].Type)
	require.Equal(t, `"with \ backslash"`, toks[2].Lit)
	require.Equal(t, 2, toks[2].Line)
}

func TestScanUnterminatedString(t *testing.T) {
	toks := scanAll(t, `"oops`)
	require.Equal(t, token.ERROR, toks[0].Type)
	require.Equal(t, "unterminated string", toks[0].Lit)
}

func TestScanComments(t *testing.T) {
	toks := scanAll(t, `1 // line comment
/* block
comment */ 2 /* unterminated`)
	require.Equal(t, token.NUMBER, toks[0].Type)
	require.Equal(t, 1, toks[0].Line)
	require.Equal(t, token.NUMBER, toks[1].Type)
	require.Equal(t, "2", toks[1].Lit)
	require.Equal(t, 3, toks[1].Line)
	require.Equal(t, token.EOF, toks[2].Type)
}

func TestScanLines(t *testing.T) {
	toks := scanAll(t, "a\nb\n\nc")
	require.Equal(t, 1, toks[0].Line)
	require.Equal(t, 2, toks[1].Line)
	require.Equal(t, 4, toks[2].Line)
}

func TestScanIllegal(t *testing.T) {
	toks := scanAll(t, "@")
	require.Equal(t, token.ERROR, toks[0].Type)
	require.Equal(t, "unexpected character", toks[0].Lit)

	toks = scanAll(t, "..")
	require.Equal(t, token.ERROR, toks[0].Type)
}
