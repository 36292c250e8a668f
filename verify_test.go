package claimsx

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return testNow }

func verifierAt(payload Payload, opts Options) *Verifier {
	return NewVerifier(payload, opts, WithClock(fixedClock))
}

func TestVerifyExpiration(t *testing.T) {
	now := testNow.Unix()
	tests := []struct {
		name    string
		payload Payload
		opts    Options
		wantErr bool
	}{
		{name: "absent exp", payload: Payload{}, opts: Options{OptionLeeway: -1000}},
		{name: "future exp", payload: Payload{"exp": now + 60}},
		{name: "exp equal to now", payload: Payload{"exp": now}, wantErr: true},
		{name: "exp one second ahead", payload: Payload{"exp": now + 1}},
		{name: "boundary with leeway", payload: Payload{"exp": now - 10}, opts: Options{OptionLeeway: 10}, wantErr: true},
		{name: "inside leeway", payload: Payload{"exp": now - 9}, opts: Options{OptionLeeway: 10}},
		{name: "exp_leeway overrides leeway", payload: Payload{"exp": now - 50}, opts: Options{OptionLeeway: 100, OptionExpLeeway: 0}, wantErr: true},
		{name: "duration leeway", payload: Payload{"exp": now - 30}, opts: NewOptions(WithExpLeeway(time.Minute))},
		{name: "fraction truncated", payload: Payload{"exp": float64(now) + 0.9}, wantErr: true},
		{name: "json number", payload: Payload{"exp": json.Number("1700000100")}},
		{name: "numeric string", payload: Payload{"exp": "1700000100"}},
		{name: "time value", payload: Payload{"exp": testNow.Add(time.Hour)}},
		{name: "null exp", payload: Payload{"exp": nil}, wantErr: true},
		{name: "far future float", payload: Payload{"exp": 1e19}},
		{name: "far future json number", payload: Payload{"exp": json.Number("10000000000000000000")}},
		{name: "max uint64", payload: Payload{"exp": uint64(math.MaxUint64)}},
		{name: "far past float", payload: Payload{"exp": -1e19}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifierAt(tt.payload, tt.opts).VerifyExpiration()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrExpiredSignature)
			assert.EqualError(t, err, "Signature has expired")
		})
	}
}

func TestVerifyIssuedAt(t *testing.T) {
	now := testNow.Unix()
	tests := []struct {
		name    string
		payload Payload
		opts    Options
		wantErr bool
	}{
		{name: "absent iat", payload: Payload{}},
		{name: "past iat", payload: Payload{"iat": now - 60}},
		{name: "iat equal to now", payload: Payload{"iat": now}},
		{name: "future iat", payload: Payload{"iat": now + 1}, wantErr: true},
		{name: "fractional future iat", payload: Payload{"iat": float64(now) + 0.5}, wantErr: true},
		{name: "future iat inside leeway", payload: Payload{"iat": now + 30}, opts: Options{OptionLeeway: 30}},
		{name: "iat_leeway overrides leeway", payload: Payload{"iat": now + 30}, opts: Options{OptionLeeway: 30, OptionIATLeeway: 5}, wantErr: true},
		{name: "string iat", payload: Payload{"iat": "1699999999"}, wantErr: true},
		{name: "null iat", payload: Payload{"iat": nil}, wantErr: true},
		{name: "json number", payload: Payload{"iat": json.Number("1699999999.5")}},
		{name: "far future float", payload: Payload{"iat": 1e19}, wantErr: true},
		{name: "max uint64", payload: Payload{"iat": uint64(math.MaxUint64)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifierAt(tt.payload, tt.opts).VerifyIssuedAt()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidIssuedAt)
			assert.EqualError(t, err, "Invalid iat")
		})
	}
}

func TestVerifyNotBefore(t *testing.T) {
	now := testNow.Unix()
	tests := []struct {
		name    string
		payload Payload
		opts    Options
		wantErr bool
	}{
		{name: "absent nbf", payload: Payload{}},
		{name: "nbf equal to now", payload: Payload{"nbf": now}},
		{name: "future nbf", payload: Payload{"nbf": now + 1}, wantErr: true},
		{name: "nbf at leeway edge", payload: Payload{"nbf": now + 10}, opts: Options{OptionLeeway: 10}},
		{name: "nbf past leeway", payload: Payload{"nbf": now + 11}, opts: Options{OptionLeeway: 10}, wantErr: true},
		{name: "nbf_leeway overrides leeway", payload: Payload{"nbf": now + 11}, opts: Options{OptionLeeway: 10, OptionNBFLeeway: "20s"}},
		{name: "fraction truncated", payload: Payload{"nbf": float64(now) + 0.9}},
		{name: "far future float", payload: Payload{"nbf": 1e19}, wantErr: true},
		{name: "huge float", payload: Payload{"nbf": 1e300}, wantErr: true},
		{name: "far future json number", payload: Payload{"nbf": json.Number("1e19")}, wantErr: true},
		{name: "max uint64", payload: Payload{"nbf": uint64(math.MaxUint64)}, wantErr: true},
		{name: "unsigned past", payload: Payload{"nbf": uint64(now - 5)}},
		{name: "far past float", payload: Payload{"nbf": -1e19}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifierAt(tt.payload, tt.opts).VerifyNotBefore()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrImmatureSignature)
			assert.EqualError(t, err, "Signature nbf has not been reached")
		})
	}
}

func TestVerifyAudience(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		opts    Options
		wantMsg string
	}{
		{name: "no option", payload: Payload{"aud": "a"}},
		{name: "member of list", payload: Payload{"aud": []any{"a", "b"}}, opts: Options{OptionAudience: "b"}},
		{name: "expected list", payload: Payload{"aud": "a"}, opts: NewOptions(WithAudience("x", "a"))},
		{name: "string slice payload", payload: Payload{"aud": []string{"a", "b"}}, opts: Options{OptionAudience: []string{"b"}}},
		{
			name:    "not a member",
			payload: Payload{"aud": []any{"a", "b"}},
			opts:    Options{OptionAudience: "c"},
			wantMsg: `Invalid audience. Expected c, received ["a", "b"]`,
		},
		{
			name:    "missing aud",
			payload: Payload{},
			opts:    Options{OptionAudience: []string{"x", "y"}},
			wantMsg: `Invalid audience. Expected ["x", "y"], received <none>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyAudience(tt.payload, tt.opts)
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidAudience)
			assert.EqualError(t, err, tt.wantMsg)
		})
	}
}

func TestVerifyIssuerAndSubject(t *testing.T) {
	t.Run("issuer matches", func(t *testing.T) {
		assert.NoError(t, VerifyIssuer(Payload{"iss": "acme"}, Options{OptionIssuer: "acme"}))
	})
	t.Run("issuer mismatch", func(t *testing.T) {
		err := VerifyIssuer(Payload{"iss": "acme"}, Options{OptionIssuer: "other"})
		assert.ErrorIs(t, err, ErrInvalidIssuer)
		assert.EqualError(t, err, "Invalid issuer. Expected other, received acme")
	})
	t.Run("issuer missing", func(t *testing.T) {
		err := VerifyIssuer(Payload{}, Options{OptionIssuer: "acme"})
		assert.EqualError(t, err, "Invalid issuer. Expected acme, received <none>")
	})
	t.Run("numeric issuer compared as string", func(t *testing.T) {
		assert.NoError(t, VerifyIssuer(Payload{"iss": float64(42)}, Options{OptionIssuer: "42"}))
		assert.NoError(t, VerifyIssuer(Payload{"iss": "42"}, Options{OptionIssuer: 42}))
	})
	t.Run("subject matches", func(t *testing.T) {
		assert.NoError(t, VerifySubject(Payload{"sub": "user-1"}, NewOptions(WithSubject("user-1"))))
	})
	t.Run("subject mismatch", func(t *testing.T) {
		err := VerifySubject(Payload{"sub": "user-1"}, Options{OptionSubject: "user-2"})
		assert.ErrorIs(t, err, ErrInvalidSubject)
		assert.EqualError(t, err, "Invalid subject. Expected user-2, received user-1")
	})
	t.Run("subject missing", func(t *testing.T) {
		err := VerifySubject(Payload{}, Options{OptionSubject: "user-2"})
		assert.EqualError(t, err, "Invalid subject. Expected user-2, received <none>")
	})
}

func TestVerifyJTI(t *testing.T) {
	rejectAll := func(any) bool { return false }
	tests := []struct {
		name    string
		payload Payload
		opts    Options
		wantMsg string
	}{
		{name: "no option", payload: Payload{}},
		{name: "disabled", payload: Payload{}, opts: Options{OptionVerifyJTI: false}},
		{name: "present", payload: Payload{"jti": "abc"}, opts: Options{OptionVerifyJTI: true}},
		{name: "empty", payload: Payload{"jti": ""}, opts: Options{OptionVerifyJTI: true}, wantMsg: "Missing jti"},
		{name: "blank", payload: Payload{"jti": " \t "}, opts: NewOptions(WithJTI(JTIRequired())), wantMsg: "Missing jti"},
		{name: "absent", payload: Payload{}, opts: Options{OptionVerifyJTI: true}, wantMsg: "Missing jti"},
		{name: "numeric jti", payload: Payload{"jti": float64(7)}, opts: Options{OptionVerifyJTI: true}},
		{name: "predicate rejects", payload: Payload{"jti": "abc"}, opts: NewOptions(WithJTI(JTIFunc(rejectAll))), wantMsg: "Invalid jti"},
		{name: "predicate rejects absent", payload: Payload{}, opts: Options{OptionVerifyJTI: rejectAll}, wantMsg: "Invalid jti"},
		{
			name:    "string predicate",
			payload: Payload{"jti": "known"},
			opts:    Options{OptionVerifyJTI: func(jti string) bool { return jti == "known" }},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyJTI(tt.payload, tt.opts)
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidJTI)
			assert.EqualError(t, err, tt.wantMsg)
		})
	}
}

func TestVerifyJTI_PredicateSeesRawValue(t *testing.T) {
	var seen []any
	rule := JTIFunc(func(jti any) bool {
		seen = append(seen, jti)
		return true
	})
	opts := NewOptions(WithJTI(rule))

	require.NoError(t, VerifyJTI(Payload{"jti": "  padded  "}, opts))
	require.NoError(t, VerifyJTI(Payload{}, opts))
	assert.Equal(t, []any{"  padded  ", nil}, seen)
}

func TestVerifyJTI_UnsupportedOption(t *testing.T) {
	err := VerifyJTI(Payload{"jti": "abc"}, Options{OptionVerifyJTI: struct{}{}})
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInternal, code)
}

func TestVerifyTimeClaims_UnreadableLeeway(t *testing.T) {
	now := testNow.Unix()
	tests := []struct {
		name  string
		check func(*Verifier) error
		opts  Options
	}{
		{name: "exp", check: (*Verifier).VerifyExpiration, opts: Options{OptionLeeway: 100, OptionExpLeeway: "soon"}},
		{name: "iat", check: (*Verifier).VerifyIssuedAt, opts: Options{OptionIATLeeway: "soon"}},
		{name: "nbf", check: (*Verifier).VerifyNotBefore, opts: Options{OptionLeeway: []string{"1"}}},
	}
	payload := Payload{"exp": now + 60, "iat": now, "nbf": now}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.check(verifierAt(payload, tt.opts))
			code, ok := CodeOf(err)
			require.True(t, ok, "expected a coded error, got %v", err)
			assert.Equal(t, ErrCodeInternal, code)
		})
	}
}

func TestVerifier_NoOptionsPassesEverything(t *testing.T) {
	payload := Payload{
		"aud": "someone",
		"iss": "issuer",
		"sub": "subject",
		"jti": "",
	}
	v := verifierAt(payload, nil)
	for _, kind := range AllClaims {
		assert.NoError(t, v.Verify(kind), kind.String())
	}
	assert.NoError(t, v.VerifyAll())
}

func TestVerifier_VerifyAllJoinsFailures(t *testing.T) {
	payload := Payload{
		"exp": testNow.Unix() - 1,
		"iss": "acme",
		"sub": "user-1",
	}
	opts := NewOptions(WithIssuer("other"), WithSubject("user-1"))

	err := verifierAt(payload, opts).VerifyAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExpiredSignature)
	assert.ErrorIs(t, err, ErrInvalidIssuer)
	assert.False(t, errors.Is(err, ErrInvalidSubject))
}

func TestVerifier_Report(t *testing.T) {
	payload := Payload{"nbf": testNow.Unix() + 60}
	results := verifierAt(payload, nil).Report()

	require.Len(t, results, len(AllClaims))
	for i, r := range results {
		assert.Equal(t, AllClaims[i], r.Claim)
		if r.Claim == ClaimNotBefore {
			assert.False(t, r.Passed())
			assert.ErrorIs(t, r.Err, ErrImmatureSignature)
			continue
		}
		assert.True(t, r.Passed(), r.Claim.String())
	}
}

func TestVerifier_Idempotent(t *testing.T) {
	payload := Payload{"exp": testNow.Unix(), "aud": []any{"a"}}
	opts := Options{OptionAudience: "a"}
	v := verifierAt(payload, opts)

	first := v.VerifyAll()
	second := v.VerifyAll()
	assert.Equal(t, first.Error(), second.Error())
	assert.Equal(t, Payload{"exp": testNow.Unix(), "aud": []any{"a"}}, payload)
	assert.Equal(t, Options{OptionAudience: "a"}, opts)
}

func TestVerifier_ClockReadPerCheck(t *testing.T) {
	calls := 0
	clock := func() time.Time {
		calls++
		return testNow
	}
	payload := Payload{"exp": testNow.Unix() + 1, "iat": testNow.Unix(), "nbf": testNow.Unix()}

	require.NoError(t, NewVerifier(payload, nil, WithClock(clock)).VerifyAll())
	assert.Equal(t, 3, calls)
}

func TestVerifier_UnknownKind(t *testing.T) {
	err := verifierAt(Payload{}, nil).Verify(ClaimKind(42))
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInternal, code)
	assert.Equal(t, "ClaimKind(42)", ClaimKind(42).String())
}
