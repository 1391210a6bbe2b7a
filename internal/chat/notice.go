// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"fmt"

	"github.com/jeranaias/convobuddy/internal/llm"
	"github.com/jeranaias/convobuddy/internal/model"
)

// Notice turns a failed turn into the text shown as the assistant reply.
// hasImages reports whether the failed request carried image attachments;
// only then is a server error read as a refusal of image input.
func Notice(err error, p *model.Provider, hasImages bool) string {
	var apiErr *llm.APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, llm.ErrVisionRequired), hasImages && llm.IsImageUnsupported(err):
		return "The selected model could not read the attached image. " +
			"Switch to a vision model (for example llava, qwen2-vl or pixtral) with /model, " +
			"or send the message without the attachment."
	case errors.Is(err, llm.ErrGenerationUnsupported):
		if p != nil {
			return fmt.Sprintf("Image generation is not supported by %s providers.", p.Type.Label())
		}
		return "Image generation is not supported by this provider."
	case llm.IsConnection(err):
		if p != nil {
			return fmt.Sprintf("Could not connect to %s at %s. Make sure the server is running and the provider URL is correct.",
				p.Name, p.URL)
		}
		return "Could not connect to the server. Make sure it is running."
	case errors.As(err, &apiErr):
		return fmt.Sprintf("The server returned an error: %s", apiErr.Message)
	case errors.Is(err, llm.ErrNoBody), errors.Is(err, llm.ErrEmptyResponse):
		return "The server sent an empty response."
	default:
		return fmt.Sprintf("Something went wrong: %v", err)
	}
}
