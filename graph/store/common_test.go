package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

// exerciseStore runs the Store contract against any backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing run key", func(t *testing.T) {
		_, ok, err := s.GetRun(ctx, "s1:txt2img:0")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("expected no row for fresh key")
		}
	})

	t.Run("put then get", func(t *testing.T) {
		payload := json.RawMessage(`{"image_path":"/tmp/cat.png"}`)
		got, err := s.PutRun(ctx, "s1:txt2img:1", payload)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(payload) {
			t.Errorf("put returned %s, want %s", got, payload)
		}

		read, ok, err := s.GetRun(ctx, "s1:txt2img:1")
		if err != nil {
			t.Fatal(err)
		}
		if !ok || string(read) != string(payload) {
			t.Errorf("get returned %s ok=%v", read, ok)
		}
	})

	t.Run("duplicate insert keeps first payload", func(t *testing.T) {
		first := json.RawMessage(`{"n":1}`)
		second := json.RawMessage(`{"n":2}`)

		if _, err := s.PutRun(ctx, "s1:upscale:2", first); err != nil {
			t.Fatal(err)
		}
		got, err := s.PutRun(ctx, "s1:upscale:2", second)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(first) {
			t.Errorf("duplicate put returned %s, want canonical %s", got, first)
		}

		read, _, err := s.GetRun(ctx, "s1:upscale:2")
		if err != nil {
			t.Fatal(err)
		}
		if string(read) != string(first) {
			t.Errorf("stored payload mutated to %s", read)
		}
	})

	t.Run("concurrent puts converge on one payload", func(t *testing.T) {
		const workers = 8
		results := make([]string, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				payload, _ := json.Marshal(map[string]int{"writer": n})
				got, err := s.PutRun(ctx, "s2:anim:0", payload)
				if err != nil {
					t.Error(err)
					return
				}
				results[n] = string(got)
			}(i)
		}
		wg.Wait()

		for i := 1; i < workers; i++ {
			if results[i] != results[0] {
				t.Fatalf("writer %d observed %s, writer 0 observed %s", i, results[i], results[0])
			}
		}
	})

	t.Run("bucket rows", func(t *testing.T) {
		_, ok, err := s.GetBucket(ctx, "sd_generate")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("expected no bucket before first put")
		}

		want := Bucket{Tokens: 3.5, UpdatedAt: 1700000000.25}
		if err := s.PutBucket(ctx, "sd_generate", want); err != nil {
			t.Fatal(err)
		}
		got, ok, err := s.GetBucket(ctx, "sd_generate")
		if err != nil {
			t.Fatal(err)
		}
		if !ok || got != want {
			t.Errorf("got %+v ok=%v, want %+v", got, ok, want)
		}

		// Upsert overwrites.
		want2 := Bucket{Tokens: 0.5, UpdatedAt: 1700000100}
		if err := s.PutBucket(ctx, "sd_generate", want2); err != nil {
			t.Fatal(err)
		}
		got, _, err = s.GetBucket(ctx, "sd_generate")
		if err != nil {
			t.Fatal(err)
		}
		if got != want2 {
			t.Errorf("upsert did not overwrite: %+v", got)
		}
	})
}
