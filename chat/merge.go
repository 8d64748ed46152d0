package chat

import (
	"cmp"
	"errors"
	"fmt"
)

// ErrUnsorted is returned by Merge when an input violates its ordering precondition.
var ErrUnsorted = errors.New("merge input not sorted")

// Merge interleaves a and b, each already sorted by key, into one sorted slice.
// On equal keys the element from a comes first. If an element about to be
// emitted has a smaller key than the previous one, Merge returns ErrUnsorted
// and no partial result.
func Merge[T any, K cmp.Ordered](a, b []T, key func(T) K) ([]T, error) {
	out := make([]T, 0, len(a)+len(b))
	var prev K
	havePrev := false

	push := func(v T, k K) error {
		if havePrev && k < prev {
			return fmt.Errorf("%w: element %d has key %v after %v", ErrUnsorted, len(out), k, prev)
		}
		out = append(out, v)
		prev, havePrev = k, true
		return nil
	}

	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var err error
		switch {
		case j >= len(b):
			err = push(a[i], key(a[i]))
			i++
		case i >= len(a):
			err = push(b[j], key(b[j]))
			j++
		default:
			ka, kb := key(a[i]), key(b[j])
			if ka <= kb {
				err = push(a[i], ka)
				i++
			} else {
				err = push(b[j], kb)
				j++
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
