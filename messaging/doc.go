// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the REST client for the team-messaging backend
// and the KMS message relay.
//
// A [Client] wraps one backend base URL, an optional separate KMS base
// URL and an [Authenticator] that supplies bearer tokens. Methods are
// thin: they build the request, attach the token, decode the JSON
// response and return an [*APIError] for any non-2xx status. They do
// not encrypt or decrypt anything; ciphertext fields pass through as
// opaque strings, and the activity package owns all key handling.
//
// Endpoint groups:
//
//   - identity and KMS discovery: [Client.UserInfo], [Client.KMSInfo],
//     [Client.SendKMSMessages]
//   - conversations: [Client.GetConversation], [Client.AllocateSpace],
//     [Client.LookupConversationByEmail]
//   - activities: [Client.ListActivities], [Client.GetActivity],
//     [Client.PostActivity], [Client.SetTyping], [Client.Flag],
//     [Client.Unflag]
//   - files: [Client.CreateUploadSession], [Client.Upload],
//     [Client.FinishUpload], [Client.Download]
package messaging
