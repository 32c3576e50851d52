/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package templates

// Route-based tunnels: traffic selectors stay wild and the SA gets an
// automatically-unique mark, so the kernel routing table alone decides
// where tunnel traffic goes. Routing changes then never require an IPsec
// renegotiation. The updown hook creates the vti device for the slot and
// binds the SA mark to it.
const SwanctlConnectionsGoTmpl string = `# generated by kumo-vpngw, do not edit
connections {
{{- range .Tunnels }}
    {{ .Name }} {
        remote_addrs = {{ .RemotePublicIP }}
        version = {{ .IKEVersion }}
        dpd_delay = {{ $.DPDIntervalSeconds }}s
        dpd_timeout = {{ $.DPDTimeoutSeconds }}s
        rekey_time = {{ .IKELifetimeSeconds }}s
        proposals = {{ join .IKEProposals "," }}
        local {
            auth = psk
        }
        remote {
            auth = psk
            id = {{ .RemotePublicIP }}
        }
        children {
            {{ .Name }} {
                local_ts = 0.0.0.0/0
                remote_ts = 0.0.0.0/0
                esp_proposals = {{ join .ESPProposals "," }}
                rekey_time = {{ .ESPLifetimeSeconds }}s
                mark_in = %unique
                mark_out = %unique
                dpd_action = restart
                start_action = start
                mode = tunnel
                updown = "{{ $.UpdownScript }} {{ .Index }} {{ .InnerRemote }} {{ .InnerLocal }}"
            }
        }
    }
{{- end }}
}
`

const SwanctlSecretsGoTmpl string = `# generated by kumo-vpngw, do not edit
secrets {
{{- range .Tunnels }}
    ike-{{ .Name }} {
        id = {{ .RemotePublicIP }}
        secret = "{{ .PSK }}"
    }
{{- end }}
}
`

// The agent is the sole owner of tunnel routes; charon must not install
// its own.
const CharonGoTmpl string = `charon {
    install_routes = no
    retransmit_tries = 3
}
`
