package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvailable(t *testing.T) {
	t.Parallel()
	assert.True(t, Data{Online: true, StreamingEnabled: true}.Available())
	assert.False(t, Data{Online: true}.Available())
	assert.False(t, Data{StreamingEnabled: true}.Available())
}

func TestPlaceholder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data Data
		want string
	}{
		{"offline", Data{StreamingEnabled: true}, PlaceholderOffline},
		{"offline wins over disabled", Data{}, PlaceholderOffline},
		{"video off", Data{Online: true}, PlaceholderVideoOff},
		{"migrating", Data{Online: true, StreamingEnabled: true, Migrating: true}, PlaceholderTransfer},
		{"live", Data{Online: true, StreamingEnabled: true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.data.Placeholder())
		})
	}
}

func TestParseAccount(t *testing.T) {
	t.Parallel()
	assert.Equal(t, AccountGoogle, ParseAccount("google"))
	assert.Equal(t, AccountNest, ParseAccount("nest"))
	assert.Equal(t, AccountNest, ParseAccount(""))
	assert.Equal(t, "google", AccountGoogle.String())
	assert.Equal(t, "nest", AccountNest.String())
}
