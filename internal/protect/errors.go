package protect

import (
	"errors"
	"fmt"

	"github.com/droidgrity/droidgrity-go/internal/domain"
)

// StageError 某个阶段的失败
type StageError struct {
	Stage domain.Stage
	Type  domain.FailureType
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailureTypeOf 从错误链中取出失败类型，非 StageError 返回 FailureTypeUnknown
func FailureTypeOf(err error) domain.FailureType {
	if err == nil {
		return domain.FailureTypeNone
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Type
	}
	return domain.FailureTypeUnknown
}

func stageErr(stage domain.Stage, ft domain.FailureType, err error) error {
	return &StageError{Stage: stage, Type: ft, Err: err}
}
