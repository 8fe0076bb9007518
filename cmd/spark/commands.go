// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/spark/activity"
)

type command struct {
	summary string
	run     func(ctx context.Context, options globalOptions, args []string) error
}

var commandOrder = []string{"whoami", "post", "list", "get", "typing"}

var commands = map[string]command{
	"whoami": {summary: "show the account the token belongs to", run: whoamiCmd},
	"post":   {summary: "post a message or share files", run: postCmd},
	"list":   {summary: "list and decrypt a conversation's messages", run: listCmd},
	"get":    {summary: "fetch and decrypt one message", run: getCmd},
	"typing": {summary: "start or stop the typing indicator", run: typingCmd},
}

func parseCommandFlags(flagSet *pflag.FlagSet, args []string, usage string) ([]string, error) {
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: spark %s\n\n%s", usage, flagSet.FlagUsages())
	}
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	return flagSet.Args(), nil
}

// await blocks until results delivers or ctx ends.
func await[T any](ctx context.Context, results <-chan T) (T, error) {
	select {
	case result := <-results:
		return result, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func whoamiCmd(ctx context.Context, options globalOptions, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: spark whoami")
	}
	s, err := openSession(options)
	if err != nil {
		return err
	}
	defer s.close()

	user, err := s.client.UserInfo(ctx)
	if err != nil {
		return err
	}
	name := user.DisplayName
	if name == "" {
		name = user.EmailAddress
	}
	fmt.Printf("%s  %s\n", user.ID, name)
	return nil
}

type messageResult struct {
	message *activity.Message
	err     error
}

func postCmd(ctx context.Context, options globalOptions, args []string) error {
	flagSet := pflag.NewFlagSet("post", pflag.ContinueOnError)
	files := flagSet.StringArray("file", nil, "share this file (repeatable)")
	markup := flagSet.Bool("markup", false, "treat the text as markup")
	rest, err := parseCommandFlags(flagSet, args, "post <conversation-id|email> [text...] [--file path]...")
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("post needs a conversation id or an email address")
	}
	text := strings.Join(rest[1:], " ")
	if text == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading message from stdin: %w", err)
		}
		text = strings.TrimRight(string(data), "\n")
	}

	request := activity.PostRequest{}
	if strings.Contains(rest[0], "@") {
		request.ToPersonEmail = rest[0]
	} else {
		request.ConversationID = rest[0]
	}
	if *markup {
		request.Content.MarkupText = text
	} else {
		request.Content.PlainText = text
	}
	for _, path := range *files {
		request.Files = append(request.Files, activity.LocalFile{
			Path: path,
			Progress: func(fraction float64) {
				fmt.Fprintf(os.Stderr, "\ruploading %3.0f%%", fraction*100)
			},
		})
	}

	s, err := openSession(options)
	if err != nil {
		return err
	}
	defer s.close()

	results := make(chan messageResult, 1)
	s.dispatcher.Post(request, func(message *activity.Message, err error) {
		results <- messageResult{message: message, err: err}
	})
	result, err := await(ctx, results)
	if len(request.Files) > 0 {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	if result.err != nil {
		return result.err
	}
	fmt.Println(result.message.ID)
	return nil
}

func listCmd(ctx context.Context, options globalOptions, args []string) error {
	flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
	limit := flagSet.Int("limit", 20, "number of messages")
	since := flagSet.Duration("since", 0, "only messages newer than this (e.g. 24h)")
	rest, err := parseCommandFlags(flagSet, args, "list <conversation-id> [--limit n] [--since d]")
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("list needs exactly one conversation id")
	}

	s, err := openSession(options)
	if err != nil {
		return err
	}
	defer s.close()

	listOptions := activity.ListOptions{Limit: *limit}
	if *since > 0 {
		listOptions.Since = time.Now().Add(-*since)
	}
	type listResult struct {
		messages []*activity.Message
		err      error
	}
	results := make(chan listResult, 1)
	s.dispatcher.List(rest[0], listOptions, func(messages []*activity.Message, err error) {
		results <- listResult{messages: messages, err: err}
	})
	result, err := await(ctx, results)
	if err != nil {
		return err
	}
	if result.err != nil {
		return result.err
	}
	for _, message := range result.messages {
		printMessage(message)
	}
	return nil
}

func getCmd(ctx context.Context, options globalOptions, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: spark get <message-id>")
	}
	s, err := openSession(options)
	if err != nil {
		return err
	}
	defer s.close()

	results := make(chan messageResult, 1)
	s.dispatcher.Get(args[0], func(message *activity.Message, err error) {
		results <- messageResult{message: message, err: err}
	})
	result, err := await(ctx, results)
	if err != nil {
		return err
	}
	if result.err != nil {
		return result.err
	}
	printMessage(result.message)
	return nil
}

func typingCmd(ctx context.Context, options globalOptions, args []string) error {
	flagSet := pflag.NewFlagSet("typing", pflag.ContinueOnError)
	stopTyping := flagSet.Bool("stop", false, "stop the indicator instead of starting it")
	rest, err := parseCommandFlags(flagSet, args, "typing <conversation-id> [--stop]")
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("typing needs exactly one conversation id")
	}

	s, err := openSession(options)
	if err != nil {
		return err
	}
	defer s.close()

	results := make(chan error, 1)
	s.dispatcher.SetTyping(rest[0], !*stopTyping, func(err error) { results <- err })
	result, err := await(ctx, results)
	if err != nil {
		return err
	}
	return result
}

func printMessage(message *activity.Message) {
	published := "-"
	if !message.Published.IsZero() {
		published = message.Published.Local().Format(time.DateTime)
	}
	if message.Err != nil {
		fmt.Printf("%s  %s  [%v]\n", published, message.ID, message.Err)
		return
	}
	text := message.Content.PlainText
	if message.ObjectID != "" {
		text = fmt.Sprintf("(%s %s)", message.Verb, message.ObjectID)
	}
	fmt.Printf("%s  %-12s %s\n", published, message.PersonID, text)
	for _, file := range message.Files {
		fmt.Printf("%s  %-12s   [file] %s (%s, %d bytes)\n", published, "", file.Name, file.MimeType, file.Size)
	}
}
