package sign

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		sigType Type
		want    string
	}{
		{TypeEthereum, "Ethereum"},
		{TypeUnknown, "Unknown"},
		{Type(99), "Unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.sigType.String())
	}
}

func TestSignatureTypeDetection(t *testing.T) {
	tests := []struct {
		name string
		sig  Signature
		want Type
	}{
		{"ethereum signature (65 bytes)", make(Signature, 65), TypeEthereum},
		{"short signature", make(Signature, 32), TypeUnknown},
		{"long signature", make(Signature, 128), TypeUnknown},
		{"empty signature", Signature{}, TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sig.Type())
		})
	}
}

func TestSignatureJSONRoundTrip(t *testing.T) {
	sig := Signature{0x01, 0x02, 0x03}

	jsonData, err := json.Marshal(sig)
	require.NoError(t, err)
	assert.Equal(t, `"0x010203"`, string(jsonData))

	var unmarshaled Signature
	require.NoError(t, json.Unmarshal(jsonData, &unmarshaled))
	assert.Equal(t, sig, unmarshaled)
}

func TestSignatureJSONUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"invalid JSON", `{invalid}`},
		{"invalid hex", `"0xinvalidhex"`},
		{"non-string", `123`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sig Signature
			assert.Error(t, json.Unmarshal([]byte(tt.json), &sig))
		})
	}
}

func TestSignatureString(t *testing.T) {
	sig := Signature{0x01, 0x23, 0x45}
	assert.Equal(t, "0x012345", sig.String())
}

func TestNewAddressRecoverer(t *testing.T) {
	recoverer, err := NewAddressRecoverer(TypeEthereum)
	require.NoError(t, err)
	_, ok := recoverer.(*EthereumAddressRecoverer)
	assert.True(t, ok)

	recoverer, err = NewAddressRecoverer(Type(99))
	assert.ErrorContains(t, err, "unsupported signature type: Unknown")
	assert.Nil(t, recoverer)
}

func TestNewAddressRecovererFromSignature(t *testing.T) {
	sig := make(Signature, 65)
	recoverer, err := NewAddressRecovererFromSignature(sig)
	require.NoError(t, err)
	assert.NotNil(t, recoverer)

	shortSig := make(Signature, 32)
	recoverer, err = NewAddressRecovererFromSignature(shortSig)
	assert.Error(t, err)
	assert.Nil(t, recoverer)
}

func TestSignatureZeroValue(t *testing.T) {
	var sig Signature
	assert.Equal(t, uint8(255), uint8(sig.Type()))
	assert.Equal(t, "Unknown", sig.Type().String())
	assert.Equal(t, "0x", sig.String())

	empty := Signature{}
	jsonData, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.Equal(t, `"0x"`, string(jsonData))
}
