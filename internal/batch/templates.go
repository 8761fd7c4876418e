package batch

const jobHeader = `#!/bin/bash
#SBATCH --job-name={{.job_name}}
#SBATCH --output={{.log_path}}
#SBATCH --error={{.log_path}}
#SBATCH --account={{.account}}
#SBATCH --ntasks=1
#SBATCH --cpus-per-task={{.cpus}}
#SBATCH --mem-per-cpu={{.mem_per_cpu}}
#SBATCH --time={{.wall_time}}
{{.extra_header}}
export NUMEXPR_MAX_THREADS={{.cpus}}

`

const gpuHeader = `#SBATCH --partition=gpu2
#SBATCH --gres=gpu:1

module load cuda/10.1
`

const cpuHeader = `#SBATCH --qos {{.qos}}
#SBATCH --partition {{.partition}}
{{.reservation_line}}`

// Used when the job does not run inside a container.
const startJupyter = `
echo $PYTHONPATH
echo Starting jupyter job

jupyter {{.jupyter}} --no-browser --port={{.port}} --ip=0.0.0.0 --notebook-dir {{.notebook_dir}} 2>&1
`

const startJupyterSingularity = `
SINGULARITY_CACHEDIR=$TMPDIR/singularity_cache

mkdir -p $SINGULARITY_CACHEDIR

echo Loading singularity module

module load singularity

echo Starting jupyter job

singularity exec {{.bind_args}} {{.container}} jupyter {{.jupyter}} --no-browser --port={{.port}} --ip=0.0.0.0
`

const cvmfsSetup = "source /cvmfs/xenon.opensciencegrid.org/releases/nT/{{.tag}}/setup.sh\n"

const backupSetup = "source /dali/lgrandi/strax/miniconda3/bin/activate strax\n"

const submitTemplate = `#!/bin/bash
#SBATCH --job-name={{.job_name}}
#SBATCH --output={{.log_path}}
#SBATCH --error={{.log_path}}
#SBATCH --account={{.account}}
#SBATCH --qos={{.qos}}
#SBATCH --partition={{.partition}}
#SBATCH --mem-per-cpu={{.mem_per_cpu}}
#SBATCH --cpus-per-task={{.cpus}}
{{.time_line}}
{{.command}}
`
