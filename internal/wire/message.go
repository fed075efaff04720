package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// Field names.
const (
	FieldAuth     = "auth"
	FieldServerID = "server_id"
	FieldMonitor  = "monitor"
	FieldSamples  = "samples"
	FieldTs       = "ts"
	FieldDelay    = "delay"
	FieldError    = "error"
	FieldAccepted = "accepted"
	FieldRejected = "rejected"
	FieldCode     = "code"
	FieldMessage  = "message"
)

// maxSafeInt is the largest integer a protobuf double holds exactly.
const maxSafeInt = 1 << 53

// =============================================================================
// Batches
// =============================================================================

// EncodeBatch builds a batch frame. Invalid samples are sent with a null
// delay and their error text.
func EncodeBatch(serverID, monitor string, samples []types.Sample) *structpb.Struct {
	list := make([]*structpb.Value, len(samples))
	for i := range samples {
		s := &samples[i]
		fields := map[string]*structpb.Value{
			FieldTs: structpb.NewNumberValue(float64(s.TimestampMs)),
		}
		if s.Valid {
			fields[FieldDelay] = structpb.NewNumberValue(s.Delay)
		} else {
			fields[FieldDelay] = structpb.NewNullValue()
		}
		if s.Error != "" {
			fields[FieldError] = structpb.NewStringValue(s.Error)
		}
		list[i] = structpb.NewStructValue(&structpb.Struct{Fields: fields})
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldServerID: structpb.NewStringValue(serverID),
		FieldMonitor:  structpb.NewStringValue(monitor),
		FieldSamples:  structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}

// DecodeBatch extracts the samples of a batch frame. A structurally broken
// frame is an error; per-sample content is left to ingestion validation.
func DecodeBatch(msg *structpb.Struct) ([]types.Sample, error) {
	serverID, err := stringField(msg, FieldServerID)
	if err != nil {
		return nil, err
	}
	monitor, err := stringField(msg, FieldMonitor)
	if err != nil {
		return nil, err
	}

	list := msg.GetFields()[FieldSamples].GetListValue()
	if list == nil {
		return nil, errors.NewInvalidRequest(FieldSamples, "must be a list")
	}

	samples := make([]types.Sample, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		entry := v.GetStructValue()
		if entry == nil {
			return nil, errors.NewInvalidRequest(FieldSamples, fmt.Sprintf("entry %d is not an object", i))
		}

		ts, ok := entry.GetFields()[FieldTs].GetKind().(*structpb.Value_NumberValue)
		if !ok || ts.NumberValue != math.Trunc(ts.NumberValue) || math.Abs(ts.NumberValue) > maxSafeInt {
			return nil, errors.NewInvalidRequest(FieldSamples, fmt.Sprintf("entry %d: ts must be integer milliseconds", i))
		}

		s := types.Sample{
			ServerID:    serverID,
			Monitor:     monitor,
			TimestampMs: int64(ts.NumberValue),
		}
		switch d := entry.GetFields()[FieldDelay].GetKind().(type) {
		case *structpb.Value_NumberValue:
			s.Delay = d.NumberValue
			s.Valid = true
		case nil, *structpb.Value_NullValue:
		default:
			return nil, errors.NewInvalidRequest(FieldSamples, fmt.Sprintf("entry %d: delay must be a number or null", i))
		}
		s.Error = entry.GetFields()[FieldError].GetStringValue()

		samples = append(samples, s)
	}

	return samples, nil
}

func stringField(msg *structpb.Struct, name string) (string, error) {
	v, ok := msg.GetFields()[name].GetKind().(*structpb.Value_StringValue)
	if !ok || v.StringValue == "" {
		return "", errors.NewInvalidRequest(name, "must be a non-empty string")
	}
	return v.StringValue, nil
}

// =============================================================================
// Auth
// =============================================================================

// NewAuth builds the auth frame.
func NewAuth(token string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldAuth: structpb.NewStringValue(token),
	}}
}

// AuthToken returns the token of an auth frame.
func AuthToken(msg *structpb.Struct) (string, bool) {
	v, ok := msg.GetFields()[FieldAuth].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return v.StringValue, true
}

// =============================================================================
// Replies
// =============================================================================

// NewAck builds a successful reply.
func NewAck(accepted, rejected int) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldAccepted: structpb.NewNumberValue(float64(accepted)),
		FieldRejected: structpb.NewNumberValue(float64(rejected)),
	}}
}

// ParseAck reads a reply. An error reply is returned as the matching
// sentinel error wrapped with the server's message.
func ParseAck(msg *structpb.Struct) (accepted, rejected int, err error) {
	if e := msg.GetFields()[FieldError].GetStructValue(); e != nil {
		code := int32(e.GetFields()[FieldCode].GetNumberValue())
		return 0, 0, fmt.Errorf("%s: %w", e.GetFields()[FieldMessage].GetStringValue(), errors.CodeToError(code))
	}
	accepted = int(msg.GetFields()[FieldAccepted].GetNumberValue())
	rejected = int(msg.GetFields()[FieldRejected].GetNumberValue())
	return accepted, rejected, nil
}

// NewError creates an error frame. Codes come from the errors package.
func NewError(code int32, msg string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldError: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			FieldCode:    structpb.NewNumberValue(float64(code)),
			FieldMessage: structpb.NewStringValue(msg),
		}}),
	}}
}

// NewErrorFromErr creates an error frame from a Go error, mapping it to its
// wire code.
func NewErrorFromErr(err error) *structpb.Struct {
	return NewError(errors.ErrorToCode(err), err.Error())
}

// NewErrorf creates an error frame with a formatted message.
func NewErrorf(code int32, format string, args ...any) *structpb.Struct {
	return NewError(code, fmt.Sprintf(format, args...))
}
