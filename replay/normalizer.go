package replay

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"

	apperrors "txsaga/errors"
)

// Normalizer 比较前用 jq 过滤证据数据，去掉时间、随机 ID 等易变字段
//
// 例如 `del(.context.fetched_at)` 或 `{state, failed_step}`。
type Normalizer struct {
	query string
	code  *gojq.Code
}

// NewNormalizer 编译 jq 过滤器
func NewNormalizer(query string) (*Normalizer, error) {
	if query == "" {
		return nil, apperrors.NewError(apperrors.ErrCodeInvalidInput, "empty jq filter")
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput,
			fmt.Sprintf("jq parse error in %q", query))
	}
	code, err := gojq.Compile(parsed,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput,
			fmt.Sprintf("jq compile error in %q", query))
	}
	return &Normalizer{query: query, code: code}, nil
}

// Query 返回过滤器源码
func (n *Normalizer) Query() string {
	return n.query
}

// Apply 对 JSON 通用形态的值执行过滤
//
// 没有输出时返回 nil，单个输出原样返回，多个输出收集为 []any。
func (n *Normalizer) Apply(ctx context.Context, v any) (any, error) {
	iter := n.code.RunWithContext(ctx, v)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal,
				fmt.Sprintf("jq evaluation failed for %q", n.query))
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}
