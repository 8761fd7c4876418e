package batch

import (
	"fmt"
	"strings"
)

// Environment selectors for the Jupyter job body.
const (
	EnvSingularity = "singularity"
	EnvCVMFS       = "cvmfs"
	EnvBackup      = "backup"
)

const (
	defaultTag          = "development"
	defaultContainerFmt = "/cvmfs/singularity.opensciencegrid.org/xenonnt/base-environment:%s"
	cutaxBind           = "/project2/lgrandi/xenonnt/dali/lgrandi/xenonnt/software/cutax:/xenon/xenonnt/software/cutax"
)

// JobSpec describes the resources and environment of one batch job. It is a
// value type: helpers return modified copies.
type JobSpec struct {
	CPUs     int
	MemoryMB int
	// WallTime is hours (int or float) or an HH:MM:SS string.
	WallTime any

	Account     string
	Partition   string
	QOS         string
	Reservation string
	// Node pins the job to a compute node; passed to the scheduler verbatim.
	Node string
	GPU  bool

	Env         string
	Tag         string
	Container   string
	Binds       []string
	Jupyter     string
	NotebookDir string

	// Command is the user command for generic submissions.
	Command string
}

// JobFiles names the remote artifacts of one job.
type JobFiles struct {
	JobName    string
	Dir        string
	ScriptPath string
	LogPath    string
}

// NewJobFiles lays out the job's files under dir.
func NewJobFiles(jobName, dir, scriptName, logName string) JobFiles {
	return JobFiles{
		JobName:    jobName,
		Dir:        dir,
		ScriptPath: dir + "/" + scriptName,
		LogPath:    dir + "/" + logName,
	}
}

// Site carries host-dependent defaults.
type Site struct {
	Host string
	User string
}

// WithDefaults fills unset fields the way the cluster tooling always has.
func (s JobSpec) WithDefaults(site Site) JobSpec {
	out := s
	out.Binds = append([]string(nil), s.Binds...)
	if out.CPUs <= 0 {
		out.CPUs = 2
	}
	if out.MemoryMB <= 0 {
		out.MemoryMB = 8000
	}
	if out.WallTime == nil {
		if out.GPU {
			out.WallTime = 2
		} else {
			out.WallTime = 4
		}
	}
	if out.Account == "" {
		out.Account = "pi-lgrandi"
	}
	if out.Partition == "" {
		if site.Host == "dali" {
			out.Partition = "dali"
		} else {
			out.Partition = "xenon1t"
		}
	}
	if out.QOS == "" {
		if out.Partition == "kicp" {
			out.QOS = "xenon1t-kicp"
		} else {
			out.QOS = out.Partition
		}
	}
	if out.Env == "" {
		out.Env = EnvSingularity
	}
	if out.Tag == "" {
		out.Tag = defaultTag
	}
	if out.Container == "" {
		out.Container = fmt.Sprintf(defaultContainerFmt, out.Tag)
	}
	if out.Jupyter == "" {
		out.Jupyter = "lab"
	}
	home := "/home/" + site.User
	if out.NotebookDir == "" {
		out.NotebookDir = home
	}
	if len(out.Binds) == 0 {
		out.Binds = []string{"/project2", "/scratch/midway2/" + site.User, "/dali"}
	}
	if out.Partition == "xenon1t" && !containsString(out.Binds, cutaxBind) {
		out.Binds = append(out.Binds, cutaxBind)
	}
	return out
}

// Validate rejects specs that can never render.
func (s JobSpec) Validate() error {
	if s.CPUs <= 0 {
		return &TemplateError{Param: ParamCPUs, Reason: "must be positive"}
	}
	if s.MemoryMB <= 0 {
		return &TemplateError{Param: ParamMemory, Reason: "must be positive"}
	}
	switch s.Env {
	case EnvSingularity, EnvCVMFS:
	case EnvBackup:
		if s.Tag != defaultTag {
			return &TemplateError{Param: "tag", Reason: "the backup environment only provides the latest container"}
		}
	default:
		return &TemplateError{Param: "env", Reason: fmt.Sprintf("unknown environment %q", s.Env)}
	}
	switch s.Jupyter {
	case "lab", "notebook":
	default:
		return &TemplateError{Param: "jupyter", Reason: fmt.Sprintf("unknown server type %q", s.Jupyter)}
	}
	return nil
}

// MemPerCPU splits the total memory request across CPUs.
func (s JobSpec) MemPerCPU() int {
	if s.CPUs <= 0 {
		return s.MemoryMB
	}
	return s.MemoryMB / s.CPUs
}

// ReservationPolicy bounds what may run inside a shared reservation.
type ReservationPolicy struct {
	Name        string
	Partition   string
	MaxCPUs     int
	MaxMemoryMB int
}

// DefaultNotebookReservation is the low-latency notebook queue.
func DefaultNotebookReservation() ReservationPolicy {
	return ReservationPolicy{Name: "xenon_notebook", Partition: "xenon1t", MaxCPUs: 7, MaxMemoryMB: 16000}
}

// Wants reports whether spec is eligible to use the reservation at all.
func (p ReservationPolicy) Wants(s JobSpec) bool {
	return p.Name != "" && !s.GPU && s.Partition == p.Partition
}

// ApplyReservation places the job in the reservation when it fits and the
// reservation exists. Oversized requests are downgraded to the general
// allocation with a warning instead of failing.
func ApplyReservation(s JobSpec, p ReservationPolicy, available bool) (JobSpec, []string) {
	out := s
	out.Reservation = ""
	if !p.Wants(s) {
		return out, nil
	}
	var warnings []string
	fits := true
	if s.MemoryMB > p.MaxMemoryMB {
		warnings = append(warnings, fmt.Sprintf("requested %d MB memory exceeds the %s reservation limit of %d MB; submitting to the general allocation", s.MemoryMB, p.Name, p.MaxMemoryMB))
		fits = false
	}
	if s.CPUs > p.MaxCPUs {
		warnings = append(warnings, fmt.Sprintf("requested %d CPUs exceeds the %s reservation limit of %d; submitting to the general allocation", s.CPUs, p.Name, p.MaxCPUs))
		fits = false
	}
	if fits && !available {
		warnings = append(warnings, fmt.Sprintf("reservation %s does not exist; submitting a regular job", p.Name))
		fits = false
	}
	if fits {
		out.Reservation = p.Name
	}
	return out, warnings
}

// JupyterParams builds the parameter set for JupyterScript.
func JupyterParams(s JobSpec, f JobFiles, port int) (map[string]any, error) {
	reservation := ""
	if s.Reservation != "" {
		reservation = "#SBATCH --reservation=" + s.Reservation + "\n"
	}
	var extra string
	if s.GPU {
		extra = gpuHeader
	} else {
		var err error
		extra, err = Render(cpuHeader, map[string]any{
			"qos":              s.QOS,
			"partition":        s.Partition,
			"reservation_line": reservation,
		})
		if err != nil {
			return nil, err
		}
	}
	if s.Node != "" {
		extra += "#SBATCH --nodelist=" + s.Node + "\n"
	}
	return map[string]any{
		"job_name":     f.JobName,
		"log_path":     f.LogPath,
		"account":      s.Account,
		"cpus":         s.CPUs,
		"mem_per_cpu":  s.MemPerCPU(),
		ParamWallTime:  s.WallTime,
		"extra_header": extra,
		"jupyter":      s.Jupyter,
		"port":         port,
		"notebook_dir": s.NotebookDir,
		"bind_args":    bindArgs(s.Binds),
		"container":    s.Container,
		"tag":          s.Tag,
	}, nil
}

// JupyterScript renders the batch script that starts a Jupyter server on port.
func JupyterScript(s JobSpec, f JobFiles, port int) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	params, err := JupyterParams(s, f, port)
	if err != nil {
		return "", err
	}
	var body string
	switch s.Env {
	case EnvSingularity:
		body = startJupyterSingularity
	case EnvCVMFS:
		body = cvmfsSetup + startJupyter
	case EnvBackup:
		body = backupSetup + startJupyter
	}
	return Render(jobHeader+body, params)
}

// SubmitScript renders a generic batch job running s.Command.
func SubmitScript(s JobSpec, f JobFiles) (string, error) {
	if strings.TrimSpace(s.Command) == "" {
		return "", &TemplateError{Param: "command", Reason: "required placeholder has no value"}
	}
	timeLine := ""
	if s.WallTime != nil {
		wt, err := NormalizeWallTime(s.WallTime)
		if err != nil {
			return "", err
		}
		timeLine = "#SBATCH --time=" + wt
	}
	return Render(submitTemplate, map[string]any{
		"job_name":    f.JobName,
		"log_path":    f.LogPath,
		"account":     s.Account,
		"qos":         s.QOS,
		"partition":   s.Partition,
		"mem_per_cpu": s.MemPerCPU(),
		"cpus":        s.CPUs,
		"time_line":   timeLine,
		"command":     s.Command,
	})
}

// DefaultImageDir holds the site's singularity images.
const DefaultImageDir = "/project2/lgrandi/xenonnt/singularity-images"

// ImagePath resolves image against dir unless it is already a path.
func ImagePath(dir, image string) string {
	if strings.Contains(image, "/") || dir == "" {
		return image
	}
	return strings.TrimRight(dir, "/") + "/" + image
}

// WrapSingularity returns the outer job body that runs innerPath inside image
// and removes it afterwards.
func WrapSingularity(innerPath, image string, binds []string) string {
	return "unset X509_CERT_DIR CUTAX_LOCATION\n" +
		"module load singularity\n" +
		fmt.Sprintf("singularity exec %s %s %s\n", bindArgs(binds), image, innerPath) +
		"rm " + innerPath + "\n"
}

func bindArgs(binds []string) string {
	parts := make([]string, 0, len(binds))
	for _, b := range binds {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		parts = append(parts, "--bind "+b)
	}
	return strings.Join(parts, " ")
}

// SplitBinds parses a comma separated bind list.
func SplitBinds(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
