package smbconf

import (
	"fmt"
	"strings"
	"text/template"
)

const header = "# Generated by smbzfs. Manual changes are overwritten by the next setup."

var funcs = template.FuncMap{
	"yesno": func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	},
	"xml": template.HTMLEscapeString,
}

var globalTemplate = template.Must(template.New("global").Funcs(funcs).Parse(header + `
[global]
   workgroup = {{.Workgroup}}
   server string = {{.ServerName}} Samba Server
   netbios name = {{.ServerName}}
   server role = standalone server
   security = user
   map to guest = never
   passdb backend = tdbsam
   server min protocol = SMB2_10
   log file = /var/log/samba/log.%m
   max log size = 1000
   logging = file
   load printers = no
   printing = bsd
   printcap name = /dev/null
   disable spoolss = yes
   unix password sync = no
   create mask = 0664
   directory mask = 0775
{{- if .MacOSOptimized}}
   vfs objects = catia fruit streams_xattr
   fruit:metadata = stream
   fruit:model = MacSamba
   fruit:posix_rename = yes
   fruit:veto_appledouble = no
   fruit:nfs_aces = no
   fruit:wipe_intentionally_left_blank_rfork = yes
   fruit:delete_empty_adfiles = yes
{{- end}}

[homes]
   comment = Home Directories
   path = {{.HomesPath}}/%S
   browseable = no
   read only = no
   create mask = 0700
   directory mask = 0700
   valid users = %S
`))

var shareTemplate = template.Must(template.New("share").Funcs(funcs).Parse(`[{{.Name}}]
{{- if .Comment}}
   comment = {{.Comment}}
{{- end}}
   path = {{.Path}}
   browseable = {{yesno .Browseable}}
   read only = {{yesno .ReadOnly}}
{{- if .ValidUsers}}
   valid users = {{.ValidUsers}}
{{- end}}
{{- if .ForceUser}}
   force user = {{.ForceUser}}
{{- end}}
{{- if .ForceGroup}}
   force group = {{.ForceGroup}}
{{- end}}
   create mask = {{.CreateMask}}
   directory mask = {{.DirectoryMask}}
`))

var avahiTemplate = template.Must(template.New("avahi").Funcs(funcs).Parse(`<?xml version="1.0" standalone='no'?>
<!DOCTYPE service-group SYSTEM "avahi-service.dtd">
<service-group>
  <name replace-wildcards="yes">{{if .ServerName}}{{xml .ServerName}}{{else}}%h{{end}}</name>
  <service>
    <type>_smb._tcp</type>
    <port>445</port>
  </service>
{{- if .MacOSOptimized}}
  <service>
    <type>_device-info._tcp</type>
    <port>0</port>
    <txt-record>model=RackMac</txt-record>
  </service>
{{- end}}
</service-group>
`))

func execute(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", t.Name(), err)
	}
	return b.String(), nil
}
