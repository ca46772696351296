package domain

import "errors"

// Machine configuration errors.
var (
	ErrMachineIDInvalid       = errors.New("machine id must be a positive integer")
	ErrNoRegistersDefined     = errors.New("at least one register must be defined")
	ErrInvalidSlaveID         = errors.New("invalid slave ID")
	ErrInvalidStatusRegisters = errors.New("status_registers must list one address per slot")
	ErrInvalidConfig          = errors.New("invalid configuration")
	ErrMachineNotFound        = errors.New("machine not found")
)

// Connection errors.
var (
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// Read/Write errors.
var (
	ErrReadFailed        = errors.New("read operation failed")
	ErrWriteFailed       = errors.New("write operation failed")
	ErrInvalidDataLength = errors.New("invalid data length")
	ErrTextTooLong       = errors.New("text does not fit the batch registers")
	ErrNonLatin1         = errors.New("text contains characters outside latin-1")
)

// Modbus-specific errors.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
)

// Sink and control plane errors.
var (
	ErrSinkWriteFailed      = errors.New("time-series write failed")
	ErrControlPlaneRequest  = errors.New("control plane request failed")
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
)

// Service errors.
var (
	ErrServiceNotStarted = errors.New("service not started")
	ErrServiceStopped    = errors.New("service has been stopped")
	ErrWriteInProgress   = errors.New("batch write in progress")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrReadFailed
	}
}
