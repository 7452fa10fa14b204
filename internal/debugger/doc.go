// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

/*
Package debugger implements the bridge between a debugger frontend and a
webview-hosted debug backend.

# Architecture Overview

The frontend and the backend communicate over a single bidirectional JSON
message channel (a WebSocket connection in production, an in-memory pipe in
tests). Commands flow outbound; responses and events arrive inbound, out of
band and in no particular order.

# Key Components

  - Bridge: owns the channel handle and the typed command surface
    (expression evaluation, property fetches, stepping, breakpoints)
  - pendingTable: correlates outbound commands with inbound responses by a
    caller-supplied string key, collapsing duplicate concurrent requests
  - Transport: message channel abstraction (WebSocket and in-memory pipe)
  - Manager: registry of bridge sessions and the WebSocket attach endpoint

# Correlation Flow

 1. A caller issues a command with a correlation key (e.g. the expression
    text) through the Bridge
 2. The Bridge writes exactly one command message per outstanding key and
    parks the caller on a shared waiter
 3. The reader pump dispatches inbound response messages to the matching
    pending table, which settles the waiter
 4. Failures never escape the Bridge as errors; callers observe a nil
    result and the failure is logged with the command name
*/
package debugger
