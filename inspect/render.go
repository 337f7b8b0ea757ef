// Package inspect 以树形文本展示事务的检查点，供运维排查中断的事务
package inspect

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"txsaga/checkpoint"
)

// PreviewLimit 结果预览的最大字符数
const PreviewLimit = 50

var (
	titleStyle     = lipgloss.NewStyle().Bold(true)
	headerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	nameStyle      = lipgloss.NewStyle().Width(20)
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	resultStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
)

// Render 渲染检查点列表
//
// 参数：
//   - txID: 事务 ID
//   - source: 存储来源说明（例如 "redis"、"file"）
//   - checkpoints: 按保存顺序排列的检查点
func Render(txID, source string, checkpoints []checkpoint.Checkpoint) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Transaction: "+txID) + "\n")
	if source != "" {
		b.WriteString(headerStyle.Render("Source: "+source) + "\n")
	}
	b.WriteString("\n")
	if len(checkpoints) == 0 {
		b.WriteString(headerStyle.Render("no checkpoints") + "\n")
		return b.String()
	}

	b.WriteString(headerStyle.Render(fmt.Sprintf("    %-20s | %s", "STEP", "STATUS")) + "\n")
	for i, cp := range checkpoints {
		prefix := "├──"
		if i == len(checkpoints)-1 {
			prefix = "└──"
		}
		fmt.Fprintf(&b, "%s %s | %s\n", prefix, nameStyle.Render(cp.Name), statusLabel(cp.Status))
		if preview := cp.ResultPreview(PreviewLimit); preview != "" {
			b.WriteString(resultStyle.Render("    └─> "+preview) + "\n")
		}
	}
	return b.String()
}

func statusLabel(s checkpoint.Status) string {
	if s == checkpoint.StatusCompleted {
		return completedStyle.Render(string(s))
	}
	label := string(s)
	if label == "" {
		label = string(checkpoint.StatusPending)
	}
	return pendingStyle.Render(label)
}
