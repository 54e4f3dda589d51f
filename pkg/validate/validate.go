package validate

import (
	stderrors "errors"
	"net/url"
	"regexp"
	"strings"

	commonerrors "github.com/ronanzhan/servicecomb-saga/pkg/errors"
)

// MaxPayloadBytes 单个事件 payload 上限
const MaxPayloadBytes = 64 << 10

var (
	identifierRe  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
	serviceNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,63}$`)
	methodRe      = regexp.MustCompile(`^[^\s]{1,256}$`)
)

// Identifier 校验 saga / step / instance 标识（1-128 位，[A-Za-z0-9_.:-]）
func Identifier(field, s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "%s is required", field)
	}
	if !identifierRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid %s: %q (expected 1-128 chars, [A-Za-z0-9_.:-])", field, s)
	}
	return nil
}

// ServiceName 校验服务名
func ServiceName(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return commonerrors.New(commonerrors.CodeInvalidParam, "serviceName is required")
	}
	if !serviceNameRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid serviceName: %q", s)
	}
	return nil
}

// Method 校验补偿/重试方法签名，不允许空白字符
func Method(field, s string) error {
	if s == "" {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "%s is required", field)
	}
	if !methodRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid %s: %q", field, s)
	}
	return nil
}

// CallbackAddress 校验 omega 回调地址（http/https 绝对地址）
func CallbackAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return commonerrors.New(commonerrors.CodeInvalidParam, "address is required")
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid address: %q (expected http(s)://host[:port])", addr)
	}
	return nil
}

type ValidationError struct {
	Field   string
	Code    commonerrors.Code
	Message string
}

type Validator struct {
	errors []ValidationError
}

func New() *Validator {
	return &Validator{}
}

func (v *Validator) add(field string, err error) *Validator {
	if err == nil {
		return v
	}
	var ce *commonerrors.Error
	if ok := stderrors.As(err, &ce); ok && ce != nil {
		v.errors = append(v.errors, ValidationError{Field: field, Code: ce.Code, Message: ce.Message})
		return v
	}
	v.errors = append(v.errors, ValidationError{Field: field, Code: commonerrors.CodeInvalidParam, Message: err.Error()})
	return v
}

func (v *Validator) Identifier(field, value string) *Validator {
	return v.add(field, Identifier(field, value))
}

// OptionalIdentifier 为空时跳过
func (v *Validator) OptionalIdentifier(field, value string) *Validator {
	if value == "" {
		return v
	}
	return v.Identifier(field, value)
}

func (v *Validator) ServiceName(field, value string) *Validator {
	return v.add(field, ServiceName(value))
}

func (v *Validator) Method(field, value string) *Validator {
	return v.add(field, Method(field, value))
}

func (v *Validator) Required(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		return v.add(field, commonerrors.Newf(commonerrors.CodeInvalidParam, "%s is required", field))
	}
	return v
}

func (v *Validator) MaxBytes(field string, b []byte, max int) *Validator {
	if len(b) > max {
		return v.add(field, commonerrors.Newf(commonerrors.CodeInvalidParam, "%s exceeds %d bytes", field, max))
	}
	return v
}

func (v *Validator) NonNegative(field string, n int) *Validator {
	if n < 0 {
		return v.add(field, commonerrors.Newf(commonerrors.CodeInvalidParam, "%s must not be negative", field))
	}
	return v
}

// Check 附加任意校验结果
func (v *Validator) Check(field string, err error) *Validator {
	return v.add(field, err)
}

func (v *Validator) Errors() []ValidationError {
	out := make([]ValidationError, len(v.errors))
	copy(out, v.errors)
	return out
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) FirstError() *ValidationError {
	if len(v.errors) == 0 {
		return nil
	}
	return &v.errors[0]
}
