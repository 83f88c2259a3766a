package bridge

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dshills/mediagraph-go/graph/model"
	"github.com/dshills/mediagraph-go/graph/tool"
)

// StepSpec is one backend-addressable operation expanded from a tool
// call. DependsOn references other step names in the same expansion.
type StepSpec struct {
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Params    map[string]interface{} `json:"params"`
	DependsOn []string               `json:"depends_on,omitempty"`
	Outputs   []string               `json:"outputs,omitempty"`
}

// StepsFor expands a tool call into its step sequence. Equal calls
// always produce equal sequences: expansion templates are fixed and
// the final ordering is a topological sort with step names breaking
// ties. Unknown tools pass through as a single step.
func StepsFor(call model.ToolCall) []StepSpec {
	args := call.Input
	var steps []StepSpec

	switch call.Name {
	case "sd_generate":
		steps = append(steps, StepSpec{
			Name:    "generate_image",
			Type:    "generate_image",
			Params:  copyArgs(args),
			Outputs: []string{"image_path"},
		})
		if boolArg(args, "save") {
			steps = append(steps, StepSpec{
				Name:      "save_artifact",
				Type:      "save_artifact",
				Params:    map[string]interface{}{},
				DependsOn: []string{"generate_image"},
			})
		}

	case "upscale_image":
		var prev string
		if _, ok := args["image_path"]; ok {
			steps = append(steps, StepSpec{
				Name:    "load_image",
				Type:    "load_image",
				Params:  map[string]interface{}{"image_path": args["image_path"]},
				Outputs: []string{"image_path"},
			})
			prev = "load_image"
		}
		up := StepSpec{
			Name:    "upscale_image",
			Type:    "upscale_image",
			Params:  copyArgs(args),
			Outputs: []string{"image_path"},
		}
		if prev != "" {
			up.DependsOn = []string{prev}
		}
		steps = append(steps, up, StepSpec{
			Name:      "save_upscaled",
			Type:      "save_upscaled",
			Params:    map[string]interface{}{},
			DependsOn: []string{"upscale_image"},
		})

	case "generate_animation":
		steps = append(steps,
			StepSpec{
				Name:   "generate_keyframes",
				Type:   "generate_keyframes",
				Params: copyArgs(args),
			},
			StepSpec{
				Name:      "interpolate_frames",
				Type:      "interpolate_frames",
				Params:    map[string]interface{}{},
				DependsOn: []string{"generate_keyframes"},
			},
			StepSpec{
				Name:      "render_animation",
				Type:      "render_animation",
				Params:    map[string]interface{}{},
				DependsOn: []string{"interpolate_frames"},
				Outputs:   []string{"video_path"},
			},
		)

	case "transcribe_audio":
		steps = append(steps,
			StepSpec{
				Name:   "load_audio",
				Type:   "load_audio",
				Params: copyArgs(args),
			},
			StepSpec{
				Name:      "transcribe_audio",
				Type:      "transcribe_audio",
				Params:    copyArgs(args),
				DependsOn: []string{"load_audio"},
				Outputs:   []string{"text", "segments"},
			},
		)
		if boolArg(args, "format_segments") {
			steps = append(steps, StepSpec{
				Name:      "format_segments",
				Type:      "format_segments",
				Params:    map[string]interface{}{},
				DependsOn: []string{"transcribe_audio"},
			})
		}

	case "synthesize_speech":
		steps = append(steps,
			StepSpec{
				Name:   "prepare_text",
				Type:   "prepare_text",
				Params: copyArgs(args),
			},
			StepSpec{
				Name:      "synthesize_speech",
				Type:      "synthesize_speech",
				Params:    copyArgs(args),
				DependsOn: []string{"prepare_text"},
			},
			StepSpec{
				Name:      "save_audio",
				Type:      "save_audio",
				Params:    map[string]interface{}{},
				DependsOn: []string{"synthesize_speech"},
				Outputs:   []string{"audio_path"},
			},
		)

	case "upload_file":
		stepType := "upload_local"
		if dest, _ := args["destination"].(string); dest == "telegram" {
			stepType = "upload_telegram"
		}
		steps = append(steps, StepSpec{
			Name:   stepType,
			Type:   stepType,
			Params: copyArgs(args),
		})

	default:
		steps = append(steps, StepSpec{
			Name:   call.Name,
			Type:   call.Name,
			Params: copyArgs(args),
		})
	}

	return orderSteps(steps)
}

// orderSteps is a Kahn topological sort that always dequeues the
// lexicographically smallest ready step, so equal inputs yield equal
// orderings.
func orderSteps(steps []StepSpec) []StepSpec {
	byName := make(map[string]StepSpec, len(steps))
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
		indegree[s.Name] += 0
		for _, dep := range s.DependsOn {
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]StepSpec, 0, len(steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
	}
	// Dependency cycles cannot occur in the fixed templates; a
	// malformed pass-through keeps declaration order.
	if len(ordered) != len(steps) {
		return steps
	}
	return ordered
}

// CorrelationID derives a stable idempotency token: the hex MD5 of the
// workflow's canonical JSON. json.Marshal sorts map keys, so equal
// workflows hash identically across processes.
func CorrelationID(workflow interface{}) (string, error) {
	data, err := json.Marshal(workflow)
	if err != nil {
		return "", fmt.Errorf("bridge: canonicalize workflow: %w", err)
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// stepCapability maps a step type to the backend capability serving it.
func stepCapability(stepType string) tool.Capability {
	switch stepType {
	case "generate_image", "save_artifact":
		return tool.CapTxt2Img
	case "load_image", "upscale_image", "save_upscaled":
		return tool.CapUpscale
	case "generate_keyframes", "interpolate_frames", "render_animation":
		return tool.CapAnimate
	case "load_audio", "transcribe_audio", "format_segments":
		return tool.CapTranscribe
	case "prepare_text", "synthesize_speech", "save_audio":
		return tool.CapSynthesize
	case "upload_local", "upload_telegram", "upload_youtube", "upload_tiktok":
		return tool.CapUpload
	}
	return ""
}

// gpuFamily names the exclusive GPU family a step competes for, or ""
// for CPU-bound steps.
func gpuFamily(stepType string) string {
	switch stepType {
	case "generate_image", "load_image", "upscale_image":
		return "sd"
	case "generate_keyframes", "interpolate_frames", "render_animation":
		return "anim"
	}
	return ""
}

func copyArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func boolArg(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}
