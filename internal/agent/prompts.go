package agent

import (
	"embed"

	"RelayAgent/internal/prompt"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// 提示词名称，对应仓库中的 agent.<name>。
const (
	promptIntent = "intent"
	promptPlan   = "plan"
	promptDecide = "decide"
	promptDefine = "define"
	promptAnswer = "answer"
)

// fallbackTemplate 返回内置模板。模板文件随二进制发布，读取失败说明构建有误。
func fallbackTemplate(name string) prompt.Template {
	raw, err := promptFS.ReadFile("prompts/" + name + ".tmpl")
	if err != nil {
		panic("agent: missing embedded prompt " + name)
	}
	return prompt.Template{Name: "agent." + name, Label: prompt.DefaultLabel, Text: string(raw), JSONMode: true}
}
