package exchange

import (
	"errors"
	"testing"

	"wolfinch/internal/config"
)

func TestSignerMatchesVenueReference(t *testing.T) {
	t.Parallel()
	// Reference vector published in the Binance signed-endpoint docs.
	s, err := NewSigner(config.Credentials{
		APIKey:    "vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A",
		APISecret: "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j",
	})
	if err != nil {
		t.Fatalf("NewSigner() returned error: %v", err)
	}

	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"

	if got := s.Sign(query); got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
}

func TestSignerDiffersPerQuery(t *testing.T) {
	t.Parallel()
	s, err := NewSigner(config.Credentials{APIKey: "k", APISecret: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Sign("a=1") == s.Sign("a=2") {
		t.Error("different queries produced the same signature")
	}
	if s.APIKey() != "k" {
		t.Errorf("APIKey() = %q, want %q", s.APIKey(), "k")
	}
}

func TestNewSignerRequiresCredentials(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		creds config.Credentials
	}{
		{"empty", config.Credentials{}},
		{"key only", config.Credentials{APIKey: "k"}},
		{"secret only", config.Credentials{APISecret: "s"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewSigner(tc.creds)
			if !errors.Is(err, ErrAuthFailure) {
				t.Errorf("NewSigner() error = %v, want ErrAuthFailure", err)
			}
		})
	}
}
