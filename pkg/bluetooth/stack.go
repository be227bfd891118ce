package bluetooth

import "fmt"

// Status is the HCI status reported by the stack for controller operations.
type Status uint8

const (
	StatusSuccess              Status = 0x00
	StatusUnknownConnectionID  Status = 0x02
	StatusHardwareFailure      Status = 0x03
	StatusConnectionTimeout    Status = 0x08
	StatusCommandDisallowed    Status = 0x0C
	StatusRemoteUserTerminated Status = 0x13
	StatusLocalHostTerminated  Status = 0x16
	StatusUnspecifiedError     Status = 0x1F
	StatusControllerBusy       Status = 0x3A
	StatusAdvertisingTimeout   Status = 0x3C
	StatusConnectFailed        Status = 0x3E
)

var statusNames = map[Status]string{
	StatusSuccess:              "Success",
	StatusUnknownConnectionID:  "Unknown Connection Identifier",
	StatusHardwareFailure:      "Hardware Failure",
	StatusConnectionTimeout:    "Connection Timeout",
	StatusCommandDisallowed:    "Command Disallowed",
	StatusRemoteUserTerminated: "Remote User Terminated Connection",
	StatusLocalHostTerminated:  "Connection Terminated By Local Host",
	StatusUnspecifiedError:     "Unspecified Error",
	StatusControllerBusy:       "Controller Busy",
	StatusAdvertisingTimeout:   "Advertising Timeout",
	StatusConnectFailed:        "Connection Failed to be Established",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(0x%02X)", uint8(s))
}

// IOCapability is the SMP IO capability field [Vol 3, Part H, 3.5.1].
type IOCapability uint8

const (
	IOCapDisplayOnly     IOCapability = 0x00
	IOCapDisplayYesNo    IOCapability = 0x01
	IOCapKeyboardOnly    IOCapability = 0x02
	IOCapNoInputNoOutput IOCapability = 0x03
	IOCapKeyboardDisplay IOCapability = 0x04
)

// AssociationModel is the pairing method selected from both sides' IO capabilities.
type AssociationModel int

const (
	AssociationJustWorks AssociationModel = iota
	AssociationNumericComparison
	AssociationPasskeyEntryInitiatorInputs
	AssociationPasskeyEntryResponderInputs
	AssociationOOB
)

func (a AssociationModel) String() string {
	switch a {
	case AssociationJustWorks:
		return "JustWorks"
	case AssociationNumericComparison:
		return "NumericComparison"
	case AssociationPasskeyEntryInitiatorInputs:
		return "PasskeyEntryInitiatorInputs"
	case AssociationPasskeyEntryResponderInputs:
		return "PasskeyEntryResponderInputs"
	case AssociationOOB:
		return "OOB"
	default:
		return "Unknown"
	}
}

// SMPReason is the reason code of a Pairing Failed PDU [Vol 3, Part H, 3.5.5].
type SMPReason uint8

const (
	ReasonPasskeyEntryFailed          SMPReason = 0x01
	ReasonOOBNotAvailable             SMPReason = 0x02
	ReasonAuthenticationRequirements  SMPReason = 0x03
	ReasonConfirmValueFailed          SMPReason = 0x04
	ReasonPairingNotSupported         SMPReason = 0x05
	ReasonEncryptionKeySize           SMPReason = 0x06
	ReasonCommandNotSupported         SMPReason = 0x07
	ReasonUnspecified                 SMPReason = 0x08
	ReasonRepeatedAttempts            SMPReason = 0x09
	ReasonInvalidParameters           SMPReason = 0x0A
	ReasonDHKeyCheckFailed            SMPReason = 0x0B
	ReasonNumericComparisonFailed     SMPReason = 0x0C
	ReasonBREDRPairingInProgress      SMPReason = 0x0D
	ReasonCrossTransportKeyNotAllowed SMPReason = 0x0E
)

var reasonNames = map[SMPReason]string{
	ReasonPasskeyEntryFailed:          "PASSKEY_ENTRY_FAILED",
	ReasonOOBNotAvailable:             "OOB_NOT_AVAILABLE",
	ReasonAuthenticationRequirements:  "AUTHENTICATION_REQUIREMENTS",
	ReasonConfirmValueFailed:          "CONFIRM_VALUE_FAILED",
	ReasonPairingNotSupported:         "PAIRING_NOT_SUPPORTED",
	ReasonEncryptionKeySize:           "ENCRYPTION_KEY_SIZE",
	ReasonCommandNotSupported:         "COMMAND_NOT_SUPPORTED",
	ReasonUnspecified:                 "UNSPECIFIED_REASON",
	ReasonRepeatedAttempts:            "REPEATED_ATTEMPTS",
	ReasonInvalidParameters:           "INVALID_PARAMETERS",
	ReasonDHKeyCheckFailed:            "DHKEY_CHECK_FAILED",
	ReasonNumericComparisonFailed:     "NUMERIC_COMPARISON_FAILED",
	ReasonBREDRPairingInProgress:      "BR_EDR_PAIRING_IN_PROGRESS",
	ReasonCrossTransportKeyNotAllowed: "CROSS_TRANSPORT_KEY_DERIVATION_NOT_ALLOWED",
}

func (r SMPReason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("SMPReason(0x%02X)", uint8(r))
}

// PairingRequest carries the central's Pairing Request parameters.
type PairingRequest struct {
	IOCap   IOCapability
	Bonding bool
	MITM    bool
	SC      bool
}

// PairingResponse is the local answer to a PairingRequest.
type PairingResponse struct {
	IOCap   IOCapability
	Bonding bool
	MITM    bool
}

// EncryptionLevel describes the security of the link as seen by the stack.
type EncryptionLevel struct {
	Encrypted bool `json:"encrypted"`
	MITM      bool `json:"mitm"`
	SC        bool `json:"sc"`
}

// PairingResult is delivered when pairing completes.
type PairingResult struct {
	Bonded bool
	Level  EncryptionLevel
}

// AdvertisingOptions are passed through to the stack when advertising starts.
type AdvertisingOptions struct {
	IntervalMin uint16
	IntervalMax uint16
}

// ConnectionCallback is called once per StartAdvertising, either with a new
// connection or with a non-success status when advertising could not start.
type ConnectionCallback func(status Status, conn Conn)

// Stack is the link/security host stack the coordinator drives.
type Stack interface {
	AddServices(services []ServiceDescriptor) error
	SetDeviceName(name string) error
	SetAdvertisingData(data AdvertisingData) error
	StartAdvertising(opts AdvertisingOptions, cb ConnectionCallback) error
	StopAdvertising() error
	Close() error
}

// Conn is a single link to a central.
type Conn interface {
	ID() string
	Disconnect() error
	SMP() SecurityManager
	OnDisconnect(func(reason Status))
}

// SecurityManager is the SMP side of a Conn.
type SecurityManager interface {
	SendSecurityRequest(bond, mitm, sc, keypress bool) error
	SendPairingFailed(reason SMPReason) error
	EncryptionLevel() EncryptionLevel

	OnPairingRequest(func(req PairingRequest) PairingResponse)
	// OnPasskeyExchange handlers call proceed to continue the handshake.
	OnPasskeyExchange(func(model AssociationModel, passcode string, proceed func()))
	OnPairingComplete(func(res PairingResult))
	OnPairingFailed(func(reason SMPReason, remote bool))
}
