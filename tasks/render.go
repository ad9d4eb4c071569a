package tasks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stevecastle/anaglyph/appconfig"
	"github.com/stevecastle/anaglyph/jobqueue"
	"github.com/stevecastle/anaglyph/stereo"
)

// RenderParams decodes the optional JSON first argument of a render job on
// top of the configured defaults.
func RenderParams(args []string) (stereo.Params, error) {
	p := stereo.DefaultParams(appconfig.Get().Render)
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(args[0]), &p); err != nil {
		return p, fmt.Errorf("render parameters: %w", err)
	}
	return p, nil
}

// renderTask renders and stores every view of a session.
func renderTask(j *jobqueue.Job, q *jobqueue.Queue, env *Env) error {
	id := strings.TrimSpace(j.Input)
	p, err := RenderParams(j.Arguments)
	if err != nil {
		return finish(j, q, err)
	}
	if _, err := env.Sessions.Get(j.Ctx, id); err != nil {
		return finish(j, q, fmt.Errorf("session %s: %w", id, err))
	}
	out, err := env.Renders.Render(j.Ctx, id, p)
	if err != nil {
		return finish(j, q, err)
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Rendered %dx%d, max shift %d px, holes %d/%d",
		out.Width, out.Height, out.MaxShift, out.LeftHoles, out.RightHoles))
	return finish(j, q, nil)
}
