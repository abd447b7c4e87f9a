package prompts

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

var (
	//go:embed template/intent_system.txt
	intentSystem string
	//go:embed template/intent_user.txt
	intentUser string
	//go:embed template/profile_system.txt
	profileSystem string
	//go:embed template/profile_user.txt
	profileUser string
	//go:embed template/draft_system.txt
	draftSystem string
	//go:embed template/draft_user.txt
	draftUser string
	//go:embed template/synthesize_system.txt
	synthesizeSystem string
	//go:embed template/synthesize_user.txt
	synthesizeUser string
	//go:embed template/validate_system.txt
	validateSystem string
	//go:embed template/validate_user.txt
	validateUser string
	//go:embed template/escalate_system.txt
	escalateSystem string
	//go:embed template/escalate_user.txt
	escalateUser string
)

// Vars are the values available to every template.
type Vars struct {
	UserMessage string
	Intent      string
	ToolResults string
	Draft       string
	Reason      string
}

// Rendered is a system/user prompt pair ready for a Completer.
type Rendered struct {
	System string
	User   string
}

func RenderIntent(ctx context.Context, v Vars) (Rendered, error) {
	return render(ctx, "intent", intentSystem, intentUser, v)
}

func RenderProfile(ctx context.Context, v Vars) (Rendered, error) {
	return render(ctx, "profile", profileSystem, profileUser, v)
}

func RenderDraft(ctx context.Context, v Vars) (Rendered, error) {
	return render(ctx, "draft", draftSystem, draftUser, v)
}

func RenderSynthesize(ctx context.Context, v Vars) (Rendered, error) {
	return render(ctx, "synthesize", synthesizeSystem, synthesizeUser, v)
}

// RenderValidate builds the judge prompt. The judge must reply "YES" or
// "NO: <reason>".
func RenderValidate(ctx context.Context, v Vars) (Rendered, error) {
	return render(ctx, "validate", validateSystem, validateUser, v)
}

func RenderEscalate(ctx context.Context, v Vars) (Rendered, error) {
	return render(ctx, "escalate", escalateSystem, escalateUser, v)
}

// render goes through the Eino prompt component so prompt callbacks fire.
func render(ctx context.Context, name, system, user string, v Vars) (Rendered, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(system),
		schema.UserMessage(user),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"UserMessage": v.UserMessage,
		"Intent":      v.Intent,
		"ToolResults": v.ToolResults,
		"Draft":       v.Draft,
		"Reason":      v.Reason,
	})
	if err != nil {
		return Rendered{}, fmt.Errorf("%s prompt render: %w", name, err)
	}
	if len(msgs) != 2 || msgs[0] == nil || msgs[1] == nil {
		return Rendered{}, fmt.Errorf("%s prompt render: unexpected result", name)
	}
	return Rendered{System: msgs[0].Content, User: msgs[1].Content}, nil
}
