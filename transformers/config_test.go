// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfig groups tests for the hyperparameter container.
func TestConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg := NewConfig(64, 4, 16, 128)
		assert.Equal(t, 64, cfg.EmbedDim)
		assert.Equal(t, 4, cfg.NumHeads)
		assert.Equal(t, 16, cfg.HeadDim)
		assert.Equal(t, 128, cfg.MaxLength)
		assert.Equal(t, 256, cfg.HiddenDim)
		assert.Equal(t, 0.0, cfg.DropoutRate)
		assert.Equal(t, 10000.0, cfg.RopeBaseFrequency)
		assert.Equal(t, 1e-6, cfg.NormEpsilon)
		assert.Equal(t, dtypes.Float32, cfg.DType)
		assert.Equal(t, dtypes.Float32, cfg.CacheDType)
		assert.Equal(t, activations.TypeSilu, cfg.FFActivation)
		assert.False(t, cfg.UseProjectionBias)
		assert.False(t, cfg.CollectMetrics)
		require.NoError(t, cfg.Validate())
	})

	t.Run("ChainersCopy", func(t *testing.T) {
		base := NewConfig(64, 4, 16, 128)
		modified := base.WithHiddenDim(512).WithDropout(0.1).WithMetrics(true)
		assert.Equal(t, 256, base.HiddenDim)
		assert.Equal(t, 0.0, base.DropoutRate)
		assert.False(t, base.CollectMetrics)
		assert.Equal(t, 512, modified.HiddenDim)
		assert.Equal(t, 0.1, modified.DropoutRate)
		assert.True(t, modified.CollectMetrics)
	})

	t.Run("DTypeCouplesCacheDType", func(t *testing.T) {
		cfg := NewConfig(64, 4, 16, 128).WithDType(dtypes.Float64)
		assert.Equal(t, dtypes.Float64, cfg.CacheDType)

		narrow := cfg.WithCacheDType(dtypes.Float16)
		assert.Equal(t, dtypes.Float64, narrow.DType)
		assert.Equal(t, dtypes.Float16, narrow.CacheDType)

		// Setting DType after CacheDType overrides the narrow cache again.
		assert.Equal(t, dtypes.Float32, narrow.WithDType(dtypes.Float32).CacheDType)
	})

	t.Run("String", func(t *testing.T) {
		s := NewConfig(64, 4, 16, 128).WithCacheDType(dtypes.Float16).String()
		assert.Contains(t, s, "embedDim=64")
		assert.Contains(t, s, "heads=4x16")
		assert.Contains(t, s, "maxLength=128")
		assert.Contains(t, s, "Float16")
	})
}

func TestConfigValidate(t *testing.T) {
	valid := NewConfig(64, 4, 16, 128)
	tests := []struct {
		name  string
		cfg   *Config
		field string
	}{
		{"BadEmbedDim", NewConfig(0, 4, 16, 128), "EmbedDim"},
		{"BadNumHeads", NewConfig(64, 0, 16, 128), "NumHeads"},
		{"BadHeadDim", NewConfig(64, 4, 0, 128), "HeadDim"},
		{"OddHeadDim", NewConfig(64, 4, 15, 128), "HeadDim"},
		{"BadMaxLength", NewConfig(64, 4, 16, 0), "MaxLength"},
		{"BadHiddenDim", valid.WithHiddenDim(0), "HiddenDim"},
		{"NegativeDropout", valid.WithDropout(-0.1), "DropoutRate"},
		{"DropoutOfOne", valid.WithDropout(1.0), "DropoutRate"},
		{"BadRopeBase", valid.WithRopeBaseFrequency(0), "RopeBaseFrequency"},
		{"BadNormEpsilon", valid.WithNormEpsilon(0), "NormEpsilon"},
		{"NonFloatDType", valid.WithDType(dtypes.Int32), "DType"},
		{"NonFloatCacheDType", valid.WithCacheDType(dtypes.Int32), "CacheDType"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.cfg.Validate()
			require.Error(t, err)
			assert.True(t, IsConfiguration(err))
			assert.Contains(t, err.Error(), test.field)
		})
	}
	require.NoError(t, valid.Validate())
}

func TestConfigFromContext(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg := ConfigFromContext(context.New())
		assert.Equal(t, 512, cfg.EmbedDim)
		assert.Equal(t, 8, cfg.NumHeads)
		assert.Equal(t, 64, cfg.HeadDim)
		assert.Equal(t, 1024, cfg.MaxLength)
		assert.Equal(t, 2048, cfg.HiddenDim)
		assert.Equal(t, activations.TypeSilu, cfg.FFActivation)
	})

	t.Run("FromParams", func(t *testing.T) {
		ctx := context.New()
		ctx.SetParams(map[string]any{
			ParamEmbedDim:       32,
			ParamNumHeads:       2,
			ParamHeadDim:        8,
			ParamMaxLength:      64,
			ParamHiddenDim:      96,
			ParamDropoutRate:    0.2,
			ParamRopeBaseFreq:   500000.0,
			ParamNormEpsilon:    1e-5,
			ParamFFActivation:   "gelu",
			ParamCollectMetrics: true,
		})
		cfg := ConfigFromContext(ctx)
		assert.Equal(t, 32, cfg.EmbedDim)
		assert.Equal(t, 2, cfg.NumHeads)
		assert.Equal(t, 8, cfg.HeadDim)
		assert.Equal(t, 64, cfg.MaxLength)
		assert.Equal(t, 96, cfg.HiddenDim)
		assert.Equal(t, 0.2, cfg.DropoutRate)
		assert.Equal(t, 500000.0, cfg.RopeBaseFrequency)
		assert.Equal(t, 1e-5, cfg.NormEpsilon)
		assert.Equal(t, activations.TypeGelu, cfg.FFActivation)
		assert.True(t, cfg.CollectMetrics)
		require.NoError(t, cfg.Validate())
	})
}
