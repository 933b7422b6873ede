// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// SignUpRequest creates a new account.
type SignUpRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=32"`
	DisplayName string `json:"display_name" validate:"max=64"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
}

// SignInRequest authenticates an existing account.
type SignInRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// CreateChatRequest opens a new chat. Participants are user IDs;
// ParticipantNames carries the matching display names for list views.
type CreateChatRequest struct {
	Name             string   `json:"name" validate:"required,max=128"`
	Participants     []string `json:"participants" validate:"omitempty,dive,required"`
	ParticipantNames []string `json:"participant_names" validate:"omitempty,dive,required"`
}

// SendMessageRequest posts a message to a chat. Length limits are
// enforced by the chat service, which counts runes rather than bytes.
type SendMessageRequest struct {
	Text string `json:"text"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the singleton validator instance.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// decodeRequest decodes the JSON body into dst and validates it.
// On failure it writes the error response and returns false.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	rw := NewResponseWriter(w, r)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		rw.BadRequest("Invalid JSON body")
		return false
	}

	if err := getValidator().Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			rw.BadRequest("Invalid request")
			return false
		}

		fields := make([]map[string]string, len(fieldErrs))
		for i, fe := range fieldErrs {
			fields[i] = map[string]string{
				"field": fe.Field(),
				"tag":   fe.Tag(),
			}
		}
		rw.ValidationError(validationMessage(fieldErrs), map[string]interface{}{
			"fields": fields,
		})
		return false
	}

	return true
}

// validationMessage renders the first field error as a readable string.
func validationMessage(errs validator.ValidationErrors) string {
	fe := errs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
