// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// image.go - One-shot image generation.
//
// Command: image <prompt...> [-o file.png]
//
// Uses the OpenAI-compatible images endpoint. The result is written to a
// file and not saved as a chat.

package cli

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/convobuddy/internal/compat"
	"github.com/jeranaias/convobuddy/internal/llm"
	"github.com/jeranaias/convobuddy/internal/model"
	"github.com/jeranaias/convobuddy/internal/util"
)

func newImageCommand(r *root) *cobra.Command {
	var (
		output, providerRef, modelName, size string
	)
	cmd := &cobra.Command{
		Use:   "image <prompt...>",
		Short: "Generate an image from a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.App(cmd)
			if err != nil {
				return err
			}
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return fmt.Errorf("prompt must not be empty")
			}
			p, err := resolveProvider(app, providerRef)
			if err != nil {
				return err
			}
			if !model.IsGenerationSupported(p.Type) {
				return noticeError(llm.ErrGenerationUnsupported, p, false)
			}

			img, err := app.Backend.GenerateImage(cmd.Context(), p, llm.ImageRequest{
				Prompt: prompt,
				Model:  modelName,
				Size:   size,
			})
			if err != nil {
				return noticeError(err, p, false)
			}

			path := util.ExpandHome(output)
			if err := util.WriteBase64File(path, img.B64); err != nil {
				return err
			}
			app.Log.WithFields(logrus.Fields{"provider_id": p.ID, "path": path}).Info("IMAGE_SAVED")

			out := cmd.OutOrStdout()
			if r.flags.JSON {
				return NewJSONResponse("image", map[string]string{"path": path, "prompt": prompt}).Print(out)
			}
			fmt.Fprintf(out, "%s Saved %s\n", RenderStatus("ok"), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "image.png", "file to write")
	cmd.Flags().StringVar(&providerRef, "provider", "", "provider id or name (default: active)")
	cmd.Flags().StringVar(&modelName, "model", "", "image model, if the server needs one")
	cmd.Flags().StringVar(&size, "size", string(compat.DefaultImageSize), "image size, e.g. 1024x1024")
	return cmd
}
