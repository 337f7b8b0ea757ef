package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"txsaga/errors"
)

const schemaURL = "txsaga://context-schema.json"

// SchemaValidator 按 JSON Schema 校验事务上下文
type SchemaValidator struct {
	schema *jsonschema.Schema
}

var _ IValidator = (*SchemaValidator)(nil)

// NewSchemaValidator 编译 JSON Schema 文档
func NewSchemaValidator(schemaJSON string) (*SchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeValidation, "解析 JSON Schema 失败")
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeValidation, "加载 JSON Schema 失败")
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeValidation, "编译 JSON Schema 失败")
	}
	return &SchemaValidator{schema: compiled}, nil
}

// Validate 校验任意可 JSON 序列化的值
//
// 违规项收集到错误详情的 violations 字段，格式为 "/路径: 原因"。
func (v *SchemaValidator) Validate(value any) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeValidation, "上下文无法序列化")
	}

	if err := v.schema.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return errors.WrapError(err, errors.ErrCodeValidation, "上下文校验失败")
		}
		violations := collectViolations(verr)
		msg := "上下文校验失败"
		if len(violations) == 1 {
			msg = violations[0]
		} else if len(violations) > 1 {
			msg = fmt.Sprintf("上下文校验失败，共 %d 处", len(violations))
		}
		return errors.NewError(errors.ErrCodeValidation, msg).WithContext("violations", violations)
	}
	return nil
}

// toJSONValue 经 JSON 往返，使数字成为 json.Number（jsonschema 要求）
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
