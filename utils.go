package worker

import (
	"encoding/json"
	"math/rand"
	"reflect"
	"time"

	"github.com/imdario/mergo"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

type ptrTransformers struct{}

// overwrites pointer type
func (ptrTransformers) Transformer(tp reflect.Type) func(dst, src reflect.Value) error {
	if tp.Kind() == reflect.Ptr {
		return func(dst, src reflect.Value) error {
			if !src.IsNil() {
				if dst.CanSet() {
					dst.Set(src)
				} else {
					dst = src
				}
			}
			return nil
		}
	}
	return nil
}

func override(dst, src interface{}) error {
	return mergo.Merge(dst, src,
		mergo.WithOverride,
		mergo.WithTypeCheck,
		mergo.WithTransformers(ptrTransformers{}),
	)
}

func clone(from, to interface{}) (err error) {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}

// generateRandomNumber returns an id in the range the controller never uses
// for its own entities.
func generateRandomNumber() uint32 {
	return uint32(rand.Int63n(90000000)) + 10000000
}

// generateRandomUint16 returns a value within [min, max].
func generateRandomUint16(min, max uint16) uint16 {
	return min + uint16(rand.Intn(int(max-min)+1))
}

func generateSsrc() uint32 {
	return uint32(rand.Int63n(900000000)) + 100000000
}

func nowMs() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
