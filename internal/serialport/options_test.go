package serialport

import (
	"testing"

	"go.bug.st/serial"
)

func TestOptionsNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      Options
		want    Options
		wantErr bool
	}{
		{"defaults", Options{}, Options{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"explicit", Options{BaudRate: 921600, DataBits: 7, StopBits: 2, Parity: "even"}, Options{BaudRate: 921600, DataBits: 7, StopBits: 2, Parity: "E"}, false},
		{"odd lower", Options{Parity: " o "}, Options{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "O"}, false},
		{"negative baud", Options{BaudRate: -1}, Options{}, true},
		{"data bits", Options{DataBits: 9}, Options{}, true},
		{"stop bits", Options{StopBits: 3}, Options{}, true},
		{"parity", Options{Parity: "mark"}, Options{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOptionsSerialMode(t *testing.T) {
	mode, err := Options{StopBits: 2, Parity: "O"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode: %v", err)
	}
	if mode.BaudRate != DefaultBaudRate || mode.DataBits != 8 {
		t.Errorf("mode = %+v", mode)
	}
	if mode.StopBits != serial.TwoStopBits || mode.Parity != serial.OddParity {
		t.Errorf("stop/parity = %v/%v", mode.StopBits, mode.Parity)
	}

	mode, err = Options{}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode: %v", err)
	}
	if mode.StopBits != serial.OneStopBit || mode.Parity != serial.NoParity {
		t.Errorf("default stop/parity = %v/%v", mode.StopBits, mode.Parity)
	}

	if _, err := (Options{DataBits: 4}).SerialMode(); err == nil {
		t.Error("expected error for invalid data bits")
	}
}
