package schema

// Built-in parameter schemas for the media tools the orchestrator ships
// with. Registered at version 1.0.0; later revisions append versions
// through the normal Register path.

// RegisterBuiltins installs the stock tool schemas into r. It is safe
// to call once per registry; re-registration of an existing version
// returns ErrDuplicateVersion.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		name        string
		description string
		obj         Object
		tags        []string
	}{
		{
			name:        "sd_generate",
			description: "Generate an image from a text prompt with a Stable Diffusion model",
			obj: Object{
				Fields: map[string]Field{
					"prompt":          {Type: TypeString, Description: "Text prompt describing the image", MinLength: IntPtr(1)},
					"negative_prompt": {Type: TypeString, Description: "Features to avoid in the image"},
					"model":           {Type: TypeString, Description: "Checkpoint name", Enum: []interface{}{"sd15", "sdxl", "flux"}},
					"width":           {Type: TypeInteger, Minimum: FloatPtr(64), Maximum: FloatPtr(2048)},
					"height":          {Type: TypeInteger, Minimum: FloatPtr(64), Maximum: FloatPtr(2048)},
					"steps":           {Type: TypeInteger, Minimum: FloatPtr(1), Maximum: FloatPtr(150)},
					"cfg_scale":       {Type: TypeNumber, Minimum: FloatPtr(0), Maximum: FloatPtr(30)},
					"seed":            {Type: TypeInteger, Description: "Sampler seed; omit for random"},
					"save":            {Type: TypeBoolean, Description: "Persist the image as a session artifact"},
				},
				Required: []string{"prompt"},
			},
			tags: []string{"image", "gpu"},
		},
		{
			name:        "upscale_image",
			description: "Upscale an existing image with a super-resolution model",
			obj: Object{
				Fields: map[string]Field{
					"image_path":   {Type: TypeString, Description: "Path of the image to upscale", MinLength: IntPtr(1)},
					"scale_factor": {Type: TypeInteger, Minimum: FloatPtr(2), Maximum: FloatPtr(8)},
					"model":        {Type: TypeString, Enum: []interface{}{"RealESRGAN_x2plus", "RealESRGAN_x4plus"}},
				},
				Required: []string{"image_path"},
			},
			tags: []string{"image", "gpu"},
		},
		{
			name:        "generate_animation",
			description: "Generate a short animation from a text prompt",
			obj: Object{
				Fields: map[string]Field{
					"prompt":     {Type: TypeString, MinLength: IntPtr(1)},
					"num_frames": {Type: TypeInteger, Minimum: FloatPtr(8), Maximum: FloatPtr(120)},
					"fps":        {Type: TypeInteger, Minimum: FloatPtr(4), Maximum: FloatPtr(60)},
				},
				Required: []string{"prompt"},
			},
			tags: []string{"video", "gpu"},
		},
		{
			name:        "transcribe_audio",
			description: "Transcribe speech audio to text",
			obj: Object{
				Fields: map[string]Field{
					"audio_path":      {Type: TypeString, MinLength: IntPtr(1)},
					"language":        {Type: TypeString, Description: "ISO 639-1 language hint"},
					"format_segments": {Type: TypeBoolean, Description: "Emit timestamped segments alongside the text"},
				},
				Required: []string{"audio_path"},
			},
			tags: []string{"audio"},
		},
		{
			name:        "synthesize_speech",
			description: "Synthesize speech audio from text",
			obj: Object{
				Fields: map[string]Field{
					"text":  {Type: TypeString, MinLength: IntPtr(1)},
					"voice": {Type: TypeString},
					"speed": {Type: TypeNumber, Minimum: FloatPtr(0.5), Maximum: FloatPtr(2.0)},
				},
				Required: []string{"text"},
			},
			tags: []string{"audio"},
		},
		{
			name:        "upload_file",
			description: "Upload a produced artifact to a destination",
			obj: Object{
				Fields: map[string]Field{
					"file_path":   {Type: TypeString, MinLength: IntPtr(1)},
					"destination": {Type: TypeString, Enum: []interface{}{"youtube", "tiktok", "telegram", "local"}},
					"title":       {Type: TypeString},
					"description": {Type: TypeString},
				},
				Required: []string{"file_path", "destination"},
			},
			tags: []string{"upload"},
		},
	}

	for _, b := range builtins {
		if err := r.Register(b.name, "1.0.0", b.description, b.obj, b.tags...); err != nil {
			return err
		}
	}
	return nil
}
