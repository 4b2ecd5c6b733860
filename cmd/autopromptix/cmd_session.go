// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AutoPromptix/services/chatsession"
)

func runChatSession(cmd *cobra.Command, _ []string) error {
	base := sessionURL
	if base == "" {
		base = httpBase(cfg.Service.BaseURL)
	}

	client, err := chatsession.New(chatsession.Config{BaseURL: base, Logger: logger})
	if err != nil {
		return err
	}
	sess, err := client.CreateSession(cmd.Context(), sessionName)
	if err != nil {
		printer.Error(err.Error())
		return err
	}

	if printer.Machine() {
		fmt.Fprintln(cmd.OutOrStdout(), sess.SessionID)
		return nil
	}
	printer.Success("Chat session created")
	printer.KeyValue("Session", sess.SessionID)
	printer.KeyValue("Name", sess.CustomerName)
	return nil
}

// httpBase maps a ws or wss service URL to its http or https origin.
func httpBase(base string) string {
	switch {
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	default:
		return base
	}
}
