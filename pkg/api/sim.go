package api

import (
	"fmt"

	"github.com/jwoglom/configportal/pkg/bluetooth"
)

// handleSimCommand injects stack events when running on the simulated stack
func (s *Server) handleSimCommand(command string, msg map[string]interface{}) {
	if s.sim == nil {
		s.sendError("simulation commands need the simulated stack")
		return
	}

	if command == "sim.connect" {
		if _, err := s.sim.Connect(); err != nil {
			s.sendError(err.Error())
		}
		return
	}
	if command == "sim.connectFail" {
		status := bluetooth.StatusConnectFailed
		if v, ok := msg["status"].(float64); ok {
			status = bluetooth.Status(v)
		}
		if err := s.sim.FailConnection(status); err != nil {
			s.sendError(err.Error())
		}
		return
	}

	conn := s.activeSimConn()
	if conn == nil {
		s.sendError("no active simulated connection")
		return
	}

	switch command {
	case "sim.passkey":
		passcode, _ := msg["passcode"].(string)
		if passcode == "" {
			passcode = "000000"
		}
		conn.Security().PasskeyExchange(bluetooth.AssociationNumericComparison, passcode)
	case "sim.pairingComplete":
		conn.Security().CompletePairing(bluetooth.PairingResult{
			Bonded: true,
			Level:  bluetooth.EncryptionLevel{Encrypted: true, MITM: true, SC: true},
		})
	case "sim.pairingFailed":
		reason := bluetooth.ReasonUnspecified
		if v, ok := msg["reason"].(float64); ok {
			reason = bluetooth.SMPReason(v)
		}
		conn.Security().FailPairing(reason, true)
	case "sim.disconnect":
		conn.RemoteDisconnect()
	default:
		s.sendError(fmt.Sprintf("unknown simulation command %q", command))
	}
}

func (s *Server) activeSimConn() *bluetooth.SimConn {
	if s.coordinator == nil {
		return nil
	}
	active := s.coordinator.ActiveConnection()
	if active == nil {
		return nil
	}
	return s.sim.Conn(active.ID())
}
