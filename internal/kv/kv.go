// Package kv даёт непрозрачное хранилище строк по ключу, в которое пишет хранилище контекстов.
package kv

import "context"

// Store плоское хранилище строк по ключу. Clear удаляет все ключи, а не один.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context) error
}
