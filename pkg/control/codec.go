package control

import (
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-sysinit/pkg/domain"
	"github.com/core-tools/hsu-sysinit/pkg/errors"
)

func newStruct(fields map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode message", err)
	}
	return s, nil
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	if v, ok := s.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func unitInfoToMap(info domain.UnitInfo) map[string]interface{} {
	m := map[string]interface{}{
		"name":        info.Name,
		"description": info.Description,
		"state":       info.State,
		"enabled":     info.Enabled,
		"pid":         float64(info.PID),
		"last_pid":    float64(info.LastPID),
		"last_error":  info.LastError,
	}
	if info.StartTime != nil {
		m["start_time"] = info.StartTime.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func unitInfoFromValue(v *structpb.Value) domain.UnitInfo {
	fields := v.GetStructValue().GetFields()
	info := domain.UnitInfo{
		Name:        fields["name"].GetStringValue(),
		Description: fields["description"].GetStringValue(),
		State:       fields["state"].GetStringValue(),
		Enabled:     fields["enabled"].GetBoolValue(),
		PID:         int(fields["pid"].GetNumberValue()),
		LastPID:     int(fields["last_pid"].GetNumberValue()),
		LastError:   fields["last_error"].GetStringValue(),
	}
	if raw := fields["start_time"].GetStringValue(); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			info.StartTime = &t
		}
	}
	return info
}

func encodeUnitInfo(info domain.UnitInfo) (*structpb.Struct, error) {
	return newStruct(map[string]interface{}{"unit": unitInfoToMap(info)})
}

func decodeUnitInfo(s *structpb.Struct) domain.UnitInfo {
	return unitInfoFromValue(s.GetFields()["unit"])
}

func encodeUnitList(units []domain.UnitInfo) (*structpb.Struct, error) {
	list := make([]interface{}, 0, len(units))
	for _, info := range units {
		list = append(list, unitInfoToMap(info))
	}
	return newStruct(map[string]interface{}{"units": list})
}

func decodeUnitList(s *structpb.Struct) []domain.UnitInfo {
	values := s.GetFields()["units"].GetListValue().GetValues()
	units := make([]domain.UnitInfo, 0, len(values))
	for _, v := range values {
		units = append(units, unitInfoFromValue(v))
	}
	return units
}

func encodeBulkReport(report domain.BulkReport) (*structpb.Struct, error) {
	results := make([]interface{}, 0, len(report.Results))
	for _, result := range report.Results {
		results = append(results, map[string]interface{}{
			"name":  result.Name,
			"state": result.State,
			"pid":   float64(result.PID),
			"error": result.Error,
		})
	}
	return newStruct(map[string]interface{}{
		"operation": report.Operation,
		"results":   results,
	})
}

func decodeBulkReport(s *structpb.Struct) domain.BulkReport {
	report := domain.BulkReport{Operation: stringField(s, "operation")}
	for _, v := range s.GetFields()["results"].GetListValue().GetValues() {
		fields := v.GetStructValue().GetFields()
		report.Results = append(report.Results, domain.UnitResult{
			Name:  fields["name"].GetStringValue(),
			State: fields["state"].GetStringValue(),
			PID:   int(fields["pid"].GetNumberValue()),
			Error: fields["error"].GetStringValue(),
		})
	}
	return report
}

func stringsToList(values []string) []interface{} {
	list := make([]interface{}, 0, len(values))
	for _, v := range values {
		list = append(list, v)
	}
	return list
}

func listToStrings(v *structpb.Value) []string {
	values := v.GetListValue().GetValues()
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, item := range values {
		result = append(result, item.GetStringValue())
	}
	return result
}

func encodeReloadSummary(summary domain.ReloadSummary) (*structpb.Struct, error) {
	return newStruct(map[string]interface{}{
		"added":   stringsToList(summary.Added),
		"changed": stringsToList(summary.Changed),
		"removed": stringsToList(summary.Removed),
		"pending": stringsToList(summary.Pending),
	})
}

func decodeReloadSummary(s *structpb.Struct) domain.ReloadSummary {
	fields := s.GetFields()
	return domain.ReloadSummary{
		Added:   listToStrings(fields["added"]),
		Changed: listToStrings(fields["changed"]),
		Removed: listToStrings(fields["removed"]),
		Pending: listToStrings(fields["pending"]),
	}
}

// toStatus maps a domain error to a gRPC status carrying its text
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch errors.TypeOf(err) {
	case errors.ErrorTypeUnitNotFound:
		code = codes.NotFound
	case errors.ErrorTypeConfig, errors.ErrorTypeDuplicateUnitName, errors.ErrorTypeInvalidDefinition, errors.ErrorTypeValidation:
		code = codes.InvalidArgument
	case errors.ErrorTypeNotLoaded, errors.ErrorTypeUnitBusy:
		code = codes.FailedPrecondition
	case errors.ErrorTypeCancelled:
		code = codes.Canceled
	case errors.ErrorTypeTimeout:
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// fromStatus rebuilds the domain error carried by a gRPC status
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return errors.NewIOError("daemon unavailable", err)
	case codes.Unimplemented:
		return errors.NewInternalError("operation not supported by daemon", err)
	}
	parsed := errors.ParseError(st.Message())
	if parsed.Type == errors.ErrorTypeInternal && st.Code() == codes.Canceled {
		return errors.NewCancelledError("request cancelled", err)
	}
	return parsed
}
