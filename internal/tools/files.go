package tools

import (
	"context"

	"github.com/ashita-ai/toolgate/internal/sandbox"
)

type fsWriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type fsReadArgs struct {
	Path string `json:"path"`
}

func fsWrite(sb *sandbox.Sandbox) func(context.Context, fsWriteArgs) (any, error) {
	return func(_ context.Context, in fsWriteArgs) (any, error) {
		p, err := sb.Resolve(in.Path)
		if err != nil {
			return nil, err
		}
		if err := sb.WriteText(p, in.Content); err != nil {
			return nil, err
		}
		return OK, nil
	}
}

func fsRead(sb *sandbox.Sandbox) func(context.Context, fsReadArgs) (any, error) {
	return func(_ context.Context, in fsReadArgs) (any, error) {
		p, err := sb.Resolve(in.Path)
		if err != nil {
			return nil, err
		}
		return sb.ReadText(p)
	}
}
