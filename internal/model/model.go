package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so callers can compare them.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// ParseSeverity maps free text to a severity, defaulting to info.
func ParseSeverity(v string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(v))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityWarning:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// ReadingStatus is the per-reading classification assigned before persistence.
type ReadingStatus string

const (
	ReadingNormal   ReadingStatus = "normal"
	ReadingWarning  ReadingStatus = "warning"
	ReadingCritical ReadingStatus = "critical"
)

// DeviceStatus is the aggregate health of a device.
type DeviceStatus string

const (
	DeviceUnknown  DeviceStatus = "unknown"
	DeviceOnline   DeviceStatus = "online"
	DeviceWarning  DeviceStatus = "warning"
	DeviceCritical DeviceStatus = "critical"
	DeviceOffline  DeviceStatus = "offline"
)

// ParameterSpec names one live parameter a device exposes.
type ParameterSpec struct {
	Name string `json:"name" mapstructure:"name"`
	Unit string `json:"unit" mapstructure:"unit"`
}

// Device is the registry's view of a monitored asset.
type Device struct {
	ID               int64            `json:"id"`
	Name             string           `json:"name"`
	Type             string           `json:"type"`
	Protocol         string           `json:"protocol"`
	IPAddress        string           `json:"ipAddress"`
	Port             int              `json:"port"`
	Status           DeviceStatus     `json:"status"`
	LastSeen         *time.Time       `json:"lastSeen,omitempty"`
	AcceptableRanges AcceptableRanges `json:"acceptableRanges"`
	Parameters       []ParameterSpec  `json:"parameters"`
}

// Reading is one immutable observation of one parameter on one device.
type Reading struct {
	ID            int64           `json:"id"`
	DeviceID      int64           `json:"deviceId"`
	ParameterName string          `json:"parameterName"`
	Value         decimal.Decimal `json:"value"`
	Unit          string          `json:"unit"`
	Status        ReadingStatus   `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Float returns the reading value for analysis.
func (r Reading) Float() float64 {
	return r.Value.InexactFloat64()
}

// Sample is a raw value produced by a reading source before classification.
type Sample struct {
	ParameterName string
	Value         decimal.Decimal
	Unit          string
}

// AlertCandidate is an alert that has not been persisted yet.
type AlertCandidate struct {
	Severity    Severity
	Title       string
	Description string
	Source      string
	DeviceID    *int64
	RawData     any
}

// Alert is a persisted anomaly or security finding.
type Alert struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Severity     Severity        `json:"severity"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Source       string          `json:"source"`
	DeviceID     *int64          `json:"deviceId"`
	RawData      json.RawMessage `json:"rawData"`
	Acknowledged bool            `json:"acknowledged"`
}

// AttackLog records an attack simulation run by the simulator subsystem.
type AttackLog struct {
	ID         int64           `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	AttackType string          `json:"attackType"`
	TargetID   *int64          `json:"targetId"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Result     string          `json:"result"`
	Notes      string          `json:"notes,omitempty"`
}

// Evidence is the forensic payload the analyzer attaches to an alert.
type Evidence struct {
	Rule     string    `json:"rule"`
	Current  Reading   `json:"current"`
	Previous []Reading `json:"previous,omitempty"`
	Range    Range     `json:"range"`
	Delta    *float64  `json:"delta,omitempty"`
}
