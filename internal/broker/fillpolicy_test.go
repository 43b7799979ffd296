package broker

import "testing"

func TestResolveFillPolicy(t *testing.T) {
	cases := []struct {
		name      string
		supported []FillPolicy
		want      FillPolicy
	}{
		{"fok wins", []FillPolicy{FillReturn, FillIOC, FillFOK}, FillFOK},
		{"ioc over return", []FillPolicy{FillReturn, FillIOC}, FillIOC},
		{"return fallback", []FillPolicy{FillReturn}, FillReturn},
		{"empty falls back", nil, FillReturn},
		{"fok alone", []FillPolicy{FillFOK}, FillFOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveFillPolicy(tc.supported); got != tc.want {
				t.Errorf("ResolveFillPolicy(%v) = %s, want %s", tc.supported, got, tc.want)
			}
		})
	}
}
