package dism

// unattendTemplate renders a minimal unattend.xml from a
// GenerateAnswerFileConfig. Extra Settings entries are emitted as
// specialize-pass RunSynchronous commands setting environment values.
const unattendTemplate = `<?xml version="1.0" encoding="utf-8"?>
<unattend xmlns="urn:schemas-microsoft-com:unattend" xmlns:wcm="http://schemas.microsoft.com/WMIConfig/2002/State">
  <settings pass="specialize">
    <component name="Microsoft-Windows-Shell-Setup" processorArchitecture="amd64" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
{{- if .ComputerName}}
      <ComputerName>{{.ComputerName}}</ComputerName>
{{- end}}
{{- if .ProductKey}}
      <ProductKey>{{.ProductKey}}</ProductKey>
{{- end}}
{{- if .TimeZone}}
      <TimeZone>{{.TimeZone}}</TimeZone>
{{- end}}
    </component>
{{- if .Settings}}
    <component name="Microsoft-Windows-Deployment" processorArchitecture="amd64" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <RunSynchronous>
{{- range $k, $v := .Settings}}
        <RunSynchronousCommand wcm:action="add">
          <Path>cmd /c setx {{$k}} "{{$v}}" /m</Path>
        </RunSynchronousCommand>
{{- end}}
      </RunSynchronous>
    </component>
{{- end}}
  </settings>
</unattend>
`
