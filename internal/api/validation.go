package api

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/devghori1264/aerophoenix/continuity/internal/models"
)

var registerOnce sync.Once

// registerValidations installs the custom rules on gin's validator.
func registerValidations() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("attrkey", validateAttrKey)
		}
	})
}

// validateAttrKey accepts state attribute names.
func validateAttrKey(fl validator.FieldLevel) bool {
	return models.ValidKey(fl.Field().String())
}
