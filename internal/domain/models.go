package domain

import (
	"encoding/json"
	"time"
)

// Source определяет протокол, из которого получено показание
type Source string

const (
	SourceMQTT    Source = "mqtt"
	SourceREST    Source = "rest_api"
	SourceGraphQL Source = "graphql"
	SourceModbus  Source = "modbus"
	SourceOPCUA   Source = "opcua"

	// SourceLegacy - прежний облачный сервис опроса; не протокольный
	// адаптер, поэтому в Sources не входит
	SourceLegacy Source = "legacy_api"
)

// Sources перечисляет все поддерживаемые протоколы
func Sources() []Source {
	return []Source{SourceMQTT, SourceREST, SourceGraphQL, SourceModbus, SourceOPCUA}
}

// TelemetryReading представляет нормализованное показание уровня резервуара
type TelemetryReading struct {
	TankID      string    `json:"tank_id"`
	Name        string    `json:"name"`
	Level       float64   `json:"level"`
	Timestamp   time.Time `json:"timestamp"`
	Source      Source    `json:"source"`
	OwnerUserID string    `json:"owner_user_id,omitempty"`
}

// RegisterKind определяет тип регистра Modbus
type RegisterKind string

const (
	RegisterHolding       RegisterKind = "holding"
	RegisterInput         RegisterKind = "input"
	RegisterCoil          RegisterKind = "coil"
	RegisterDiscreteInput RegisterKind = "discrete_input"
)

// IsBit сообщает, читается ли регистр как одиночный бит
func (k RegisterKind) IsBit() bool {
	return k == RegisterCoil || k == RegisterDiscreteInput
}

// RegisterDataType определяет интерпретацию слов регистра
type RegisterDataType string

const (
	TypeFloat32 RegisterDataType = "float32"
	TypeInt16   RegisterDataType = "int16"
	TypeUint16  RegisterDataType = "uint16"
	TypeInt32   RegisterDataType = "int32"
	TypeUint32  RegisterDataType = "uint32"
	TypeBool    RegisterDataType = "bool"
)

// Words возвращает число 16-битных слов, занимаемых типом
func (t RegisterDataType) Words() uint16 {
	switch t {
	case TypeFloat32, TypeInt32, TypeUint32:
		return 2
	default:
		return 1
	}
}

// RegisterMapping описывает, где и как читать уровень одного резервуара
type RegisterMapping struct {
	TankID        string           `json:"tank_id"`
	Name          string           `json:"name"`
	RegisterKind  RegisterKind     `json:"register_type"`
	Address       uint16           `json:"address"`
	DataType      RegisterDataType `json:"data_type"`
	ScalingFactor float64          `json:"scaling_factor"`
	Offset        float64          `json:"offset"`
}

// UnmarshalJSON подставляет scaling_factor = 1.0, когда ключ в JSON
// отсутствует; явно записанный ноль сохраняется как есть
func (m *RegisterMapping) UnmarshalJSON(data []byte) error {
	type plain RegisterMapping
	tmp := plain{ScalingFactor: 1.0}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*m = RegisterMapping(tmp)
	return nil
}

// ConnectionState отражает текущее состояние подключения адаптера
type ConnectionState struct {
	Connected       bool       `json:"connected"`
	LastError       string     `json:"last_error,omitempty"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
}

// FeedbackEntry представляет утверждение пользователя о ложном срабатывании.
// Ключ сопоставления - точное совпадение (Timestamp, Level, TankID).
type FeedbackEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     float64   `json:"level"`
	TankID    string    `json:"tank_id"`
	IsNormal  bool      `json:"is_normal"`
	UserID    string    `json:"user_id"`
	Notes     string    `json:"notes,omitempty"`
}

// ReportStatus определяет статус аномалии, заявленной пользователем
type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportConfirmed ReportStatus = "confirmed"
	ReportRejected  ReportStatus = "rejected"
)

// ReportedAnomaly представляет показание, которое модель пропустила,
// по заявлению пользователя
type ReportedAnomaly struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	Level      float64      `json:"level"`
	TankID     string       `json:"tank_id"`
	UserID     string       `json:"user_id"`
	Notes      string       `json:"notes,omitempty"`
	Status     ReportStatus `json:"status"`
	ReportedAt time.Time    `json:"reported_at"`
}

// AnomalyPoint представляет оценённое детектором показание
type AnomalyPoint struct {
	TankID    string    `json:"tank_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     float64   `json:"level"`
	Score     float64   `json:"score"`
	IsAnomaly bool      `json:"is_anomaly"`
}

// SubscriptionTier определяет тарифный план пользователя
type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierBasic   SubscriptionTier = "basic"
	TierPremium SubscriptionTier = "premium"
)

// HistoryCutoff возвращает глубину истории тарифа; ok=false - без ограничения
func (t SubscriptionTier) HistoryCutoff() (time.Duration, bool) {
	switch t {
	case TierBasic:
		return 30 * 24 * time.Hour, true
	case TierPremium:
		return 0, false
	default:
		// неизвестные тарифы трактуются как free
		return 7 * 24 * time.Hour, true
	}
}

// Principal представляет аутентифицированного пользователя,
// полученного от внешнего сервиса авторизации
type Principal struct {
	Username         string           `json:"username"`
	IsAdmin          bool             `json:"is_admin"`
	SubscriptionTier SubscriptionTier `json:"subscription_tier"`
}
