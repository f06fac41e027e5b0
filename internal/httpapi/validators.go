package httpapi

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"wifiattend/internal/identity"
	"wifiattend/internal/presence"
)

var registerOnce sync.Once

// registerValidators adds the "period" and "mac48" tags to gin's validator.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("period", func(fl validator.FieldLevel) bool {
			_, err := identity.ParsePeriod(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("mac48", func(fl validator.FieldLevel) bool {
			_, err := presence.NormalizeMAC(fl.Field().String())
			return err == nil
		})
	})
}
