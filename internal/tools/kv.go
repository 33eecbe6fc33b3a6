package tools

import (
	"context"
	"time"

	"github.com/ashita-ai/toolgate/internal/kv"
)

type kvPutArgs struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	TTLSec *int   `json:"ttlSec"`
}

type kvGetArgs struct {
	Key string `json:"key"`
}

func kvPut(s kv.Store) func(context.Context, kvPutArgs) (any, error) {
	return func(ctx context.Context, in kvPutArgs) (any, error) {
		var ttl time.Duration
		if in.TTLSec != nil {
			ttl = time.Duration(*in.TTLSec) * time.Second
		}
		if err := s.Put(ctx, in.Key, in.Value, ttl); err != nil {
			return nil, err
		}
		return OK, nil
	}
}

func kvGet(s kv.Store) func(context.Context, kvGetArgs) (any, error) {
	return func(ctx context.Context, in kvGetArgs) (any, error) {
		v, _, err := s.Get(ctx, in.Key)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}
