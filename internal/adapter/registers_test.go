package adapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
)

func TestDecodeRegisters(t *testing.T) {
	tests := []struct {
		name    string
		mapping domain.RegisterMapping
		words   []uint16
		want    float64
		delta   float64
	}{
		{
			name:    "float32 big-endian",
			mapping: domain.RegisterMapping{TankID: "tank1", DataType: domain.TypeFloat32, ScalingFactor: 1},
			// IEEE 754 представление числа 3.14
			words: []uint16{0x4048, 0xF5C3},
			want:  3.14,
			delta: 0.001,
		},
		{
			name:    "uint16",
			mapping: domain.RegisterMapping{TankID: "tank1", DataType: domain.TypeUint16, ScalingFactor: 1},
			words:   []uint16{0xFFFF},
			want:    65535,
		},
		{
			name:    "int16 negative",
			mapping: domain.RegisterMapping{TankID: "tank1", DataType: domain.TypeInt16, ScalingFactor: 1},
			words:   []uint16{0xFFFF},
			want:    -1,
		},
		{
			name:    "uint32 big-endian",
			mapping: domain.RegisterMapping{TankID: "tank1", DataType: domain.TypeUint32, ScalingFactor: 1},
			words:   []uint16{0x0001, 0x0000},
			want:    65536,
		},
		{
			name:    "int32 negative",
			mapping: domain.RegisterMapping{TankID: "tank1", DataType: domain.TypeInt32, ScalingFactor: 1},
			words:   []uint16{0xFFFF, 0xFFFF},
			want:    -1,
		},
		{
			name: "scaling and offset",
			mapping: domain.RegisterMapping{
				TankID:        "tank1",
				DataType:      domain.TypeUint16,
				ScalingFactor: 0.1,
				Offset:        -2,
			},
			words: []uint16{100},
			want:  8,
			delta: 1e-9,
		},
		{
			// явный ноль коэффициента применяется буквально
			name: "explicit zero scaling factor",
			mapping: domain.RegisterMapping{
				TankID:   "tank1",
				DataType: domain.TypeUint16,
				Offset:   5,
			},
			words: []uint16{42},
			want:  5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRegisters(tt.mapping, tt.words)
			assert.NoError(t, err)
			if tt.delta > 0 {
				assert.InDelta(t, tt.want, got, tt.delta)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRegisterMapping_ScalingFactorDefault(t *testing.T) {
	// отсутствующий в JSON ключ даёт коэффициент 1.0
	var m domain.RegisterMapping
	assert.NoError(t, json.Unmarshal([]byte(`{"tank_id":"tank1","data_type":"uint16"}`), &m))
	assert.Equal(t, 1.0, m.ScalingFactor)

	// явный ноль из JSON сохраняется
	assert.NoError(t, json.Unmarshal([]byte(`{"tank_id":"tank1","data_type":"uint16","scaling_factor":0}`), &m))
	assert.Equal(t, 0.0, m.ScalingFactor)

	got, err := DecodeRegisters(m, []uint16{42})
	assert.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestDecodeRegisters_ShortRead(t *testing.T) {
	mapping := domain.RegisterMapping{TankID: "tank1", DataType: domain.TypeFloat32, ScalingFactor: 1}

	_, err := DecodeRegisters(mapping, []uint16{0x4048})

	assert.Error(t, err)
	var decodeErr *domain.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "tank1", decodeErr.TankID)
}

func TestDecodeRegisters_UnsupportedType(t *testing.T) {
	mapping := domain.RegisterMapping{TankID: "tank1", DataType: "float64"}

	_, err := DecodeRegisters(mapping, []uint16{0, 0})
	assert.Error(t, err)
}

func TestDecodeBit(t *testing.T) {
	assert.Equal(t, 1.0, DecodeBit(true))
	assert.Equal(t, 0.0, DecodeBit(false))
}

func TestEncodeFloat32_RoundTrip(t *testing.T) {
	mapping := domain.RegisterMapping{TankID: "tank1", DataType: domain.TypeFloat32, ScalingFactor: 1}

	words := EncodeFloat32(3.14)
	got, err := DecodeRegisters(mapping, words[:])

	assert.NoError(t, err)
	assert.InDelta(t, 3.14, got, 0.001)
}

func TestWordsFromBytes(t *testing.T) {
	words := WordsFromBytes([]byte{0x40, 0x48, 0xF5, 0xC3})
	assert.Equal(t, []uint16{0x4048, 0xF5C3}, words)

	// неполный байт в хвосте отбрасывается
	words = WordsFromBytes([]byte{0x00, 0x2A, 0xFF})
	assert.Equal(t, []uint16{0x002A}, words)

	assert.Empty(t, WordsFromBytes(nil))
}
