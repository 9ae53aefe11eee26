package adapter

import (
	"fmt"
	"math"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
)

// DecodeRegisters преобразует сырые 16-битные слова регистров в числовое
// значение согласно типу данных маппинга. Два слова комбинируются
// big-endian: (words[0] << 16) | words[1]. Масштабирование
// raw*scaling_factor+offset применяется ко всем числовым типам.
func DecodeRegisters(m domain.RegisterMapping, words []uint16) (float64, error) {
	need := int(m.DataType.Words())
	if len(words) < need {
		return 0, &domain.DecodeError{
			TankID: m.TankID,
			Reason: fmt.Sprintf("need %d register words for %s, got %d", need, m.DataType, len(words)),
		}
	}

	var raw float64
	switch m.DataType {
	case domain.TypeUint16:
		raw = float64(words[0])
	case domain.TypeInt16:
		// два в дополнительном коде поверх 16 бит
		raw = float64(int16(words[0]))
	case domain.TypeUint32:
		raw = float64(uint32(words[0])<<16 | uint32(words[1]))
	case domain.TypeInt32:
		raw = float64(int32(uint32(words[0])<<16 | uint32(words[1])))
	case domain.TypeFloat32:
		bits := uint32(words[0])<<16 | uint32(words[1])
		raw = float64(math.Float32frombits(bits))
	default:
		return 0, &domain.DecodeError{
			TankID: m.TankID,
			Reason: fmt.Sprintf("unsupported data type %q", m.DataType),
		}
	}

	return raw*m.ScalingFactor + m.Offset, nil
}

// DecodeBit преобразует битовое значение coil/discrete_input в уровень.
// Масштабирование к булевым типам не применяется.
func DecodeBit(on bool) float64 {
	if on {
		return 1.0
	}
	return 0.0
}

// EncodeFloat32 кодирует значение обратно в пару big-endian слов.
// Используется пробами и тестами round-trip.
func EncodeFloat32(v float32) [2]uint16 {
	bits := math.Float32bits(v)
	return [2]uint16{uint16(bits >> 16), uint16(bits & 0xFFFF)}
}

// WordsFromBytes переводит байтовый ответ Modbus в 16-битные слова big-endian
func WordsFromBytes(data []byte) []uint16 {
	words := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		words = append(words, uint16(data[i])<<8|uint16(data[i+1]))
	}
	return words
}
