/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package templates

// Without this override the host network stack may assign a short-lived
// 169.254/16 address on the primary interface and install a broad
// link-local route that shadows the narrow /30 and /32 tunnel routes.
const PrimaryLinkLocalOverrideGoTmpl string = `# generated by kumo-vpngw, do not edit
[Match]
Name={{ .PrimaryInterface }}

[Network]
DHCP=ipv4
LinkLocalAddressing=no
`
