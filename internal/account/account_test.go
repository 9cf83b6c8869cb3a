package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorAccountFor(t *testing.T) {
	sel := NewSelector([]Config{
		{Name: "spain", SecretKey: "sk_test_1"},
		{Name: "empty"},
		{Name: "portugal", SecretKey: "sk_test_2"},
	})

	tests := []struct {
		name    string
		index   int
		want    string
		wantErr bool
	}{
		{name: "first account", index: 0, want: "spain"},
		{name: "third account keeps its index", index: 2, want: "portugal"},
		{name: "empty slot", index: 1, wantErr: true},
		{name: "negative index", index: -1, wantErr: true},
		{name: "past the end", index: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct, err := sel.AccountFor(tt.index)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNoAccountConfigured)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, acct.Name)
			assert.Equal(t, tt.index, acct.Index)
		})
	}
}

func TestSelectorConfigured(t *testing.T) {
	sel := NewSelector([]Config{{SecretKey: "a"}, {}, {SecretKey: "b"}})

	got := sel.Configured()
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 2, got[1].Index)
	assert.Equal(t, 3, sel.Len())
}

func TestConfigStringHidesSecret(t *testing.T) {
	acct := Config{Index: 1, Name: "spain", SecretKey: "sk_live_secret"}
	assert.Equal(t, "1 (spain)", acct.String())
	assert.NotContains(t, acct.String(), "sk_live")
}
