/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package templates

// Peer allow-list: IKE, NAT-T and ESP only from known VPN peers. The vti
// devices themselves are not filtered so routed tunnel traffic flows freely.
const NftablesPeersGoTmpl string = `# generated by kumo-vpngw, do not edit
table inet vpngw_peers {
    set peer_endpoints {
        type ipv4_addr
{{- if .PeerIPs }}
        elements = { {{ join .PeerIPs ", " }} }
{{- end }}
    }
    chain input {
        type filter hook input priority -10; policy accept;
        udp dport { 500, 4500 } ip saddr @peer_endpoints accept
        meta l4proto esp ip saddr @peer_endpoints accept
        udp dport { 500, 4500 } drop
        meta l4proto esp drop
        iifname "vti*" accept
    }
}
`

const NftablesManagementGoTmpl string = `# generated by kumo-vpngw, do not edit
table inet vpngw_mgmt {
    set management_networks {
        type ipv4_addr
        flags interval
{{- if .ManagementCIDRs }}
        elements = { {{ join .ManagementCIDRs ", " }} }
{{- end }}
    }
    chain input {
        type filter hook input priority -5; policy accept;
{{- if .ManagementCIDRs }}
        tcp dport 22 ip saddr @management_networks accept
        tcp dport 22 drop
{{- end }}
    }
}
`
