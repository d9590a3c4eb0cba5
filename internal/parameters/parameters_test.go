package parameters

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("mask_activation=sigmoid,lr=0.01,zeroing,note=a=b")
	require.Equal(t, Params{
		"mask_activation": "sigmoid",
		"lr":              "0.01",
		"zeroing":         "",
		"note":            "a=b",
	}, params)

	require.Empty(t, NewFromConfigString(""))
}

func TestGetParamOr(t *testing.T) {
	params := NewFromConfigString("lr=0.01,steps=100,zeroing,init=const")

	lr, err := GetParamOr(params, "lr", float64(0.1))
	require.NoError(t, err)
	require.Equal(t, 0.01, lr)

	steps, err := GetParamOr(params, "steps", 10)
	require.NoError(t, err)
	require.Equal(t, 100, steps)

	zeroing, err := GetParamOr(params, "zeroing", false)
	require.NoError(t, err)
	require.True(t, zeroing)

	init, err := GetParamOr(params, "init", "normal")
	require.NoError(t, err)
	require.Equal(t, "const", init)

	missing, err := GetParamOr(params, "weight_decay", float64(0.005))
	require.NoError(t, err)
	require.Equal(t, 0.005, missing)

	params["steps"] = "many"
	_, err = GetParamOr(params, "steps", 10)
	require.Error(t, err)
}

func TestPopParamOr(t *testing.T) {
	params := NewFromConfigString("lr=0.01")
	lr, err := PopParamOr(params, "lr", float32(0.1))
	require.NoError(t, err)
	require.Equal(t, float32(0.01), lr)
	require.NotContains(t, params, "lr")
}
