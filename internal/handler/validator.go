package handler

import (
	"reflect"
	"strings"
	"sync"

	"coinledger/internal/service"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// RegisterValidators adds the wallet binding tags to gin's validator and makes
// field errors report JSON names.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("amount", validAmount)
	})
}

func validAmount(fl validator.FieldLevel) bool {
	_, err := service.ParseAmount(fl.Field().String())
	return err == nil
}
