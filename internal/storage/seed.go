package storage

import (
	"otsentry/internal/model"
)

// DefaultDevices is the demo plant used when no database is configured.
func DefaultDevices() []model.Device {
	return []model.Device{
		{
			Name:      "Main Control PLC",
			Type:      "PLC",
			Protocol:  "modbus_tcp",
			IPAddress: "192.168.1.10",
			Port:      502,
			Status:    model.DeviceOnline,
			Parameters: []model.ParameterSpec{
				{Name: "flow_rate", Unit: "L/min"},
				{Name: "tank_level", Unit: "%"},
			},
		},
		{
			Name:      "Process Control PLC",
			Type:      "PLC",
			Protocol:  "modbus_tcp",
			IPAddress: "192.168.1.11",
			Port:      502,
			Status:    model.DeviceOnline,
			Parameters: []model.ParameterSpec{
				{Name: "vibration", Unit: "Hz"},
			},
		},
		{
			Name:      "Auxiliary Systems PLC",
			Type:      "PLC",
			Protocol:  "opc_ua",
			IPAddress: "192.168.1.12",
			Port:      4840,
			Status:    model.DeviceWarning,
		},
		{
			Name:      "Safety Systems PLC",
			Type:      "PLC",
			Protocol:  "modbus_tcp",
			IPAddress: "192.168.1.13",
			Port:      502,
			Status:    model.DeviceOnline,
		},
		{
			Name:             "Boiler Pressure Sensor",
			Type:             "Sensor",
			Protocol:         "mqtt",
			IPAddress:        "192.168.1.20",
			Port:             1883,
			Status:           model.DeviceOnline,
			AcceptableRanges: model.AcceptableRanges{Range: model.Range{Min: model.Float(55), Max: model.Float(85)}},
			Parameters: []model.ParameterSpec{
				{Name: "pressure", Unit: "PSI"},
			},
		},
		{
			Name:             "Temperature Sensor",
			Type:             "Sensor",
			Protocol:         "mqtt",
			IPAddress:        "192.168.1.21",
			Port:             1883,
			Status:           model.DeviceWarning,
			AcceptableRanges: model.AcceptableRanges{Range: model.Range{Min: model.Float(60), Max: model.Float(90)}},
			Parameters: []model.ParameterSpec{
				{Name: "temperature", Unit: "°C"},
			},
		},
	}
}
